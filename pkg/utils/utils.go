package utils

import (
	"crypto/rand"
	"encoding/hex"
)

// 生成随机 ID
func GenerateID() string {
	bytes := make([]byte, 16)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

// 验证消息内容
func ValidateMessage(content string) bool {
	if len(content) == 0 || len(content) > 4096 {
		return false
	}
	return true
}
