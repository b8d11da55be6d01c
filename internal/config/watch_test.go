package config

import (
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

const watchBase = `
[Cache]
Origin = "https://library.local"
Name = "%s"
`

func TestWatchReloadsOnChange(t *testing.T) {
	path := writeTempConfig(t, sprintfConfig("library-v-1"))

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	changes := make(chan *Config, 8)
	if err := Watch(path, logger, func(cfg *Config) { changes <- cfg }); err != nil {
		t.Fatalf("Watch 返回错误: %v", err)
	}

	if err := os.WriteFile(path, []byte(sprintfConfig("library-v-2")), 0o600); err != nil {
		t.Fatalf("改写配置失败: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-changes:
			if cfg.Cache.Name == "library-v-2" {
				if cfg.Cache.RevalidateConcurrency != 32 {
					t.Fatalf("重新加载后应保留默认值，得到 %d", cfg.Cache.RevalidateConcurrency)
				}
				return
			}
		case <-deadline:
			t.Fatalf("未收到配置变更通知")
		}
	}
}

func TestWatchMissingFile(t *testing.T) {
	if err := Watch("testdata/none.toml", logrus.New(), func(*Config) {}); err == nil {
		t.Fatalf("缺失的配置文件应返回错误")
	}
}

func sprintfConfig(name string) string {
	return fmt.Sprintf(watchBase, name)
}
