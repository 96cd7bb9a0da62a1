package memengine

// ============================================================================
// 授權碼校驗和
// 職責：計算與驗證請求碼/授權碼的 CRC32 校驗和
// ============================================================================

import (
	"crypto/sha256"
	"encoding/base32"
	"fmt"
	"hash/crc32"
	"strings"
)

var codeEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// CalculateChecksum 計算碼本體的 CRC32 校驗和（CRC32-IEEE）
func CalculateChecksum(body string) uint32 {
	return crc32.ChecksumIEEE([]byte(body))
}

// formatCode 將摘要轉為分組的碼字串並附加校驗和
//
// 格式：XXXX-XXXX-XXXX-XXXX-XXXX-XXXX-<crc32 hex>
func formatCode(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	raw := codeEncoding.EncodeToString(sum[:15])

	var groups []string
	for i := 0; i < len(raw); i += 4 {
		end := i + 4
		if end > len(raw) {
			end = len(raw)
		}
		groups = append(groups, raw[i:end])
	}
	body := strings.Join(groups, "-")
	return fmt.Sprintf("%s-%08x", body, CalculateChecksum(body))
}

// VerifyChecksum 驗證碼字串的校驗和是否正確
func VerifyChecksum(code string) bool {
	idx := strings.LastIndexByte(code, '-')
	if idx <= 0 || idx == len(code)-1 {
		return false
	}
	var crc uint32
	if _, err := fmt.Sscanf(code[idx+1:], "%08x", &crc); err != nil {
		return false
	}
	return crc == CalculateChecksum(code[:idx])
}
