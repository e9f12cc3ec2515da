package cdp

import (
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp/kb"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
	"github.com/xkilldash9x/pilot-cli/internal/executor"
)

// wheelDeltaPx is the scroll distance of a single wheel notch.
const wheelDeltaPx = 100.0

// keyDef is the DevTools description of one physical key.
type keyDef struct {
	key      string
	code     string
	text     string
	windows  int64
	native   int64
	modifier input.Modifier
}

func runeOf(s string) rune { return []rune(s)[0] }

var namedKeysyms = map[uint32]rune{
	executor.KeysymBackSpace: runeOf(kb.Backspace),
	executor.KeysymTab:       runeOf(kb.Tab),
	executor.KeysymReturn:    runeOf(kb.Enter),
	executor.KeysymEscape:    runeOf(kb.Escape),
	executor.KeysymHome:      runeOf(kb.Home),
	executor.KeysymLeft:      runeOf(kb.ArrowLeft),
	executor.KeysymUp:        runeOf(kb.ArrowUp),
	executor.KeysymRight:     runeOf(kb.ArrowRight),
	executor.KeysymDown:      runeOf(kb.ArrowDown),
	executor.KeysymPageUp:    runeOf(kb.PageUp),
	executor.KeysymPageDown:  runeOf(kb.PageDown),
	executor.KeysymEnd:       runeOf(kb.End),
	executor.KeysymInsert:    runeOf(kb.Insert),
	executor.KeysymDelete:    runeOf(kb.Delete),
	executor.KeysymShiftL:    runeOf(kb.Shift),
	executor.KeysymControlL:  runeOf(kb.Control),
	executor.KeysymAltL:      runeOf(kb.Alt),
	executor.KeysymMetaL:     runeOf(kb.Meta),
	executor.KeysymSuperL:    runeOf(kb.Meta),
	executor.KeysymF1 + 0:    runeOf(kb.F1),
	executor.KeysymF1 + 1:    runeOf(kb.F2),
	executor.KeysymF1 + 2:    runeOf(kb.F3),
	executor.KeysymF1 + 3:    runeOf(kb.F4),
	executor.KeysymF1 + 4:    runeOf(kb.F5),
	executor.KeysymF1 + 5:    runeOf(kb.F6),
	executor.KeysymF1 + 6:    runeOf(kb.F7),
	executor.KeysymF1 + 7:    runeOf(kb.F8),
	executor.KeysymF1 + 8:    runeOf(kb.F9),
	executor.KeysymF1 + 9:    runeOf(kb.F10),
	executor.KeysymF1 + 10:   runeOf(kb.F11),
	executor.KeysymF1 + 11:   runeOf(kb.F12),
}

var modifierKeysyms = map[uint32]input.Modifier{
	executor.KeysymShiftL:   input.ModifierShift,
	executor.KeysymControlL: input.ModifierCtrl,
	executor.KeysymAltL:     input.ModifierAlt,
	executor.KeysymMetaL:    input.ModifierMeta,
	executor.KeysymSuperL:   input.ModifierMeta,
}

// keyDefinition resolves a keysym to the key DevTools should see.
func keyDefinition(keysym uint32) (keyDef, bool) {
	r, named := namedKeysyms[keysym]
	if !named {
		var ok bool
		if r, ok = executor.KeysymRune(keysym); !ok {
			return keyDef{}, false
		}
	}
	def := keyDef{modifier: modifierKeysyms[keysym]}
	if k, ok := kb.Keys[r]; ok && k != nil {
		def.key, def.code, def.text = k.Key, k.Code, k.Text
		def.windows, def.native = k.Windows, k.Native
		return def, true
	}
	if named {
		return keyDef{}, false
	}
	// Characters kb has no layout for are sent as text only.
	def.key, def.text = string(r), string(r)
	return def, true
}

// keyEventParams builds the DevTools event for a key transition. Text is
// suppressed while a shortcut modifier is held so Ctrl+A selects instead of
// typing.
func keyEventParams(def keyDef, pressed bool, mods input.Modifier) *input.DispatchKeyEventParams {
	typ := input.KeyUp
	text := ""
	if pressed {
		typ = input.KeyRawDown
		if def.text != "" && mods&(input.ModifierCtrl|input.ModifierAlt|input.ModifierMeta) == 0 {
			typ = input.KeyDown
			text = def.text
		}
	}
	p := input.DispatchKeyEvent(typ).
		WithKey(def.key).
		WithCode(def.code).
		WithWindowsVirtualKeyCode(def.windows).
		WithNativeVirtualKeyCode(def.native).
		WithModifiers(mods)
	if text != "" {
		p = p.WithText(text).WithUnmodifiedText(text)
	}
	return p
}

var pointerButtons = []struct {
	mask   schemas.ButtonMask
	button input.MouseButton
	dom    int64
}{
	{schemas.ButtonLeft, input.Left, 1},
	{schemas.ButtonRight, input.Right, 2},
	{schemas.ButtonMiddle, input.Middle, 4},
}

// domButtons converts a held-button mask into the DOM buttons bitfield.
func domButtons(mask schemas.ButtonMask) int64 {
	var out int64
	for _, b := range pointerButtons {
		if mask&b.mask != 0 {
			out |= b.dom
		}
	}
	return out
}

// buttonTransitions diffs two button masks into mouse events at (x, y). Wheel
// bits produce one wheel event each and are never held.
func buttonTransitions(prev, next schemas.ButtonMask, x, y float64) []*input.DispatchMouseEventParams {
	var events []*input.DispatchMouseEventParams
	held := prev
	for _, b := range pointerButtons {
		switch {
		case next&b.mask != 0 && prev&b.mask == 0:
			held |= b.mask
			events = append(events, input.DispatchMouseEvent(input.MousePressed, x, y).
				WithButton(b.button).WithButtons(domButtons(held)).WithClickCount(1))
		case next&b.mask == 0 && prev&b.mask != 0:
			held &^= b.mask
			events = append(events, input.DispatchMouseEvent(input.MouseReleased, x, y).
				WithButton(b.button).WithButtons(domButtons(held)).WithClickCount(1))
		}
	}

	wheels := []struct {
		mask   schemas.ButtonMask
		dx, dy float64
	}{
		{schemas.ButtonWheelUp, 0, -wheelDeltaPx},
		{schemas.ButtonWheelDown, 0, wheelDeltaPx},
		{schemas.ButtonWheelLeft, -wheelDeltaPx, 0},
		{schemas.ButtonWheelRight, wheelDeltaPx, 0},
	}
	for _, w := range wheels {
		if next&w.mask != 0 && prev&w.mask == 0 {
			events = append(events, input.DispatchMouseEvent(input.MouseWheel, x, y).
				WithButton(input.None).WithDeltaX(w.dx).WithDeltaY(w.dy))
		}
	}
	return events
}

// heldButtons strips the wheel bits from a mask.
func heldButtons(mask schemas.ButtonMask) schemas.ButtonMask {
	return mask & (schemas.ButtonLeft | schemas.ButtonMiddle | schemas.ButtonRight)
}
