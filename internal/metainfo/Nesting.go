package metainfo

const maxNesting = 512

// checkNesting bounds how deeply lists and dictionaries nest before the
// buffer reaches a recursive decoder. Malformed input is left to the decoder.
func checkNesting(buf []byte) error {
	depth := 0
	for pos := 0; pos < len(buf); {
		switch c := buf[pos]; {
		case c == 'l' || c == 'd':
			depth++
			if depth > maxNesting {
				return decodeError("nesting deeper than %d", maxNesting)
			}
			pos++
		case c == 'e':
			depth--
			pos++
		case c == 'i':
			for pos < len(buf) && buf[pos] != 'e' {
				pos++
			}
			pos++
		case c >= '0' && c <= '9':
			n := 0
			for pos < len(buf) && buf[pos] >= '0' && buf[pos] <= '9' {
				if n > len(buf) {
					return nil
				}
				n = n*10 + int(buf[pos]-'0')
				pos++
			}
			pos += 1 + n
		default:
			return nil
		}
	}
	return nil
}
