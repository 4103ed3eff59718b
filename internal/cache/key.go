package cache

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// canonicalize 把參數轉成標準化的 JSON
// encoding/json 會排序 map key，所以相同內容永遠得到相同位元組
func canonicalize(params interface{}) ([]byte, error) {
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("canonicalize params: %w", err)
	}
	return b, nil
}

// deriveKey 由 op 與標準化參數算出快取 key
// 格式：op + ":" + hex(xxhash64(op \x00 canonical))
func deriveKey(op string, canonical []byte) string {
	d := xxhash.New()
	_, _ = d.WriteString(op)
	_, _ = d.Write([]byte{0})
	_, _ = d.Write(canonical)
	return op + ":" + strconv.FormatUint(d.Sum64(), 16)
}

// Key 回傳 (op, params) 對應的快取 key
func Key(op string, params interface{}) (string, error) {
	canonical, err := canonicalize(params)
	if err != nil {
		return "", err
	}
	return deriveKey(op, canonical), nil
}
