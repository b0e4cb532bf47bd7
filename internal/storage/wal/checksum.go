package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證日誌事件的 CRC32 校驗和
// ============================================================================

import (
	"hash/crc32"
	"strconv"
	"strings"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 校驗範圍：Type + MutationID + Kind + Attempt + Detail + Seq
// 不包含 Timestamp 與 Checksum 本身
func CalculateChecksum(event Event) uint32 {
	var b strings.Builder
	b.WriteString(string(event.Type))
	b.WriteByte('|')
	b.WriteString(event.MutationID)
	b.WriteByte('|')
	b.WriteString(string(event.Kind))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(event.Attempt))
	b.WriteByte('|')
	b.WriteString(event.Detail)
	b.WriteByte('|')
	b.WriteString(strconv.FormatUint(event.Seq, 10))

	// 使用 CRC32-IEEE 計算校驗和
	return crc32.ChecksumIEEE([]byte(b.String()))
}

// VerifyChecksum 驗證事件的校驗和是否正確
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event)
}
