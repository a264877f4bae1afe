package codec

const hexDigits = "0123456789ABCDEF"

// AppendHex appends two uppercase hex digits per byte of data.
func AppendHex(dst []byte, data []byte) []byte {
	for _, b := range data {
		dst = append(dst, hexDigits[b>>4], hexDigits[b&0x0F])
	}

	return dst
}

func quotable(b byte) bool {
	return b >= 0x20 && b < 0x7F && b != ';'
}

// AppendQuoted appends data with printable runs as quoted text and all other
// bytes as hex pairs. The result decodes back to data when no escape
// character is used.
func AppendQuoted(dst []byte, data []byte) []byte {
	inQuote := false

	for _, b := range data {
		if !quotable(b) {
			if inQuote {
				dst = append(dst, '\'')
				inQuote = false
			}
			dst = append(dst, hexDigits[b>>4], hexDigits[b&0x0F])
			continue
		}

		if !inQuote {
			dst = append(dst, '\'')
			inQuote = true
		}

		if b == '\'' {
			dst = append(dst, '\'', '\'')
		} else {
			dst = append(dst, b)
		}
	}

	if inQuote {
		dst = append(dst, '\'')
	}

	return dst
}
