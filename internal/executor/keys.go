package executor

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// X11 keysyms for the non-printable keys the model can name.
const (
	KeysymBackSpace uint32 = 0xff08
	KeysymTab       uint32 = 0xff09
	KeysymReturn    uint32 = 0xff0d
	KeysymEscape    uint32 = 0xff1b
	KeysymHome      uint32 = 0xff50
	KeysymLeft      uint32 = 0xff51
	KeysymUp        uint32 = 0xff52
	KeysymRight     uint32 = 0xff53
	KeysymDown      uint32 = 0xff54
	KeysymPageUp    uint32 = 0xff55
	KeysymPageDown  uint32 = 0xff56
	KeysymEnd       uint32 = 0xff57
	KeysymInsert    uint32 = 0xff63
	KeysymF1        uint32 = 0xffbe
	KeysymShiftL    uint32 = 0xffe1
	KeysymControlL  uint32 = 0xffe3
	KeysymMetaL     uint32 = 0xffe7
	KeysymAltL      uint32 = 0xffe9
	KeysymSuperL    uint32 = 0xffeb
	KeysymDelete    uint32 = 0xffff
	KeysymSpace     uint32 = 0x0020

	// unicodeKeysymBase marks keysyms carrying a code point above Latin-1.
	unicodeKeysymBase uint32 = 0x01000000
)

var namedKeys = map[string]uint32{
	"backspace":  KeysymBackSpace,
	"tab":        KeysymTab,
	"enter":      KeysymReturn,
	"return":     KeysymReturn,
	"escape":     KeysymEscape,
	"esc":        KeysymEscape,
	"home":       KeysymHome,
	"end":        KeysymEnd,
	"left":       KeysymLeft,
	"arrowleft":  KeysymLeft,
	"up":         KeysymUp,
	"arrowup":    KeysymUp,
	"right":      KeysymRight,
	"arrowright": KeysymRight,
	"down":       KeysymDown,
	"arrowdown":  KeysymDown,
	"pageup":     KeysymPageUp,
	"pagedown":   KeysymPageDown,
	"insert":     KeysymInsert,
	"delete":     KeysymDelete,
	"del":        KeysymDelete,
	"space":      KeysymSpace,
	"shift":      KeysymShiftL,
	"control":    KeysymControlL,
	"ctrl":       KeysymControlL,
	"alt":        KeysymAltL,
	"option":     KeysymAltL,
	"meta":       KeysymMetaL,
	"cmd":        KeysymMetaL,
	"command":    KeysymMetaL,
	"super":      KeysymSuperL,
	"win":        KeysymSuperL,
}

func init() {
	for i := 0; i < 12; i++ {
		namedKeys[fmt.Sprintf("f%d", i+1)] = KeysymF1 + uint32(i)
	}
}

// RuneKeysym maps a typed character to its keysym.
func RuneKeysym(r rune) uint32 {
	switch r {
	case '\n', '\r':
		return KeysymReturn
	case '\t':
		return KeysymTab
	case '\b':
		return KeysymBackSpace
	}
	if r >= 0x20 && r <= 0xff && r != 0x7f {
		return uint32(r)
	}
	return unicodeKeysymBase | uint32(r)
}

// KeysymRune reverses RuneKeysym for printable keysyms. The boolean is false
// for function and modifier keys.
func KeysymRune(keysym uint32) (rune, bool) {
	switch {
	case keysym >= 0x20 && keysym <= 0xff && keysym != 0x7f:
		return rune(keysym), true
	case keysym&0xff000000 == unicodeKeysymBase:
		return rune(keysym &^ unicodeKeysymBase), true
	}
	return 0, false
}

// ParseKeyCombination turns "Control+Shift+T" into keysyms in press order.
// Single letters are sent lower-case so modifiers alone decide the case.
func ParseKeyCombination(combo string) ([]uint32, error) {
	combo = strings.TrimSpace(combo)
	if combo == "" {
		return nil, fmt.Errorf("key combination is empty")
	}
	// A lone "+" or a trailing "++" names the plus key itself.
	var parts []string
	if combo == "+" {
		parts = []string{"+"}
	} else if strings.HasSuffix(combo, "++") {
		parts = append(strings.Split(strings.TrimSuffix(combo, "++"), "+"), "+")
	} else {
		parts = strings.Split(combo, "+")
	}

	keys := make([]uint32, 0, len(parts))
	for _, part := range parts {
		name := strings.TrimSpace(part)
		if name == "" {
			return nil, fmt.Errorf("key combination %q has an empty key", combo)
		}
		if sym, ok := namedKeys[strings.ToLower(name)]; ok {
			keys = append(keys, sym)
			continue
		}
		if utf8.RuneCountInString(name) == 1 {
			r, _ := utf8.DecodeRuneInString(name)
			keys = append(keys, RuneKeysym([]rune(strings.ToLower(string(r)))[0]))
			continue
		}
		return nil, fmt.Errorf("unknown key %q in combination %q", name, combo)
	}
	return keys, nil
}
