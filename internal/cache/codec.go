package cache

import (
	"bytes"
	"encoding/gob"
)

func encodeEntry(entry Entry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEntry(b []byte) (*Entry, error) {
	var entry Entry
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&entry); err != nil {
		return nil, err
	}
	return &entry, nil
}
