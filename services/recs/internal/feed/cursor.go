package feed

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidCursor = errors.New("invalid cursor")

const cursorPrefix = "o|"

func encodeCursor(offset int) string {
	raw := cursorPrefix + strconv.Itoa(offset)
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(c string) (int, error) {
	if c == "" {
		return 0, nil
	}
	raw, err := base64.URLEncoding.DecodeString(c)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	s, ok := strings.CutPrefix(string(raw), cursorPrefix)
	if !ok {
		return 0, fmt.Errorf("%w: malformed", ErrInvalidCursor)
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: bad offset", ErrInvalidCursor)
	}
	return n, nil
}
