package utils

import (
	"fmt"
)

// Splits a string into array of byte arrays.
// The caller must make sure len(str) is a multiple of splitSize.
func SplitStringToBytes(str string, splitSize int) ([][]byte, error) {
	if splitSize <= 0 {
		return nil, fmt.Errorf("invalid split size %d", splitSize)
	}
	if len(str)%splitSize > 0 {
		return nil, fmt.Errorf("string of length %d is not a multiple of split size %d", len(str), splitSize)
	}
	byteSubStrings := make([][]byte, 0, len(str)/splitSize)
	for i := 0; i < len(str); i += splitSize {
		byteSubStrings = append(byteSubStrings, []byte(str[i:i+splitSize]))
	}
	return byteSubStrings, nil
}

// CeilDiv divides a by b rounding up. b must be positive.
func CeilDiv(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	q := a / b
	if a%b != 0 {
		q++
	}
	return q
}

var sizeUnits = []string{"B", "KiB", "MiB", "GiB", "TiB"}

// HumanizeSize formats a byte count the way the file picker shows it
func HumanizeSize(size int64) string {
	if size < 1024 {
		return fmt.Sprintf("%d B", size)
	}
	value := float64(size)
	unit := 0
	for value >= 1024 && unit < len(sizeUnits)-1 {
		value /= 1024
		unit++
	}
	return fmt.Sprintf("%.1f %s", value, sizeUnits[unit])
}
