// api/schemas/actions.go
package schemas

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// ActionName is the closed vocabulary of UI actions a model may propose.
type ActionName string

const (
	// -- Browser-level operations --
	ActionOpenWebBrowser ActionName = "open_web_browser"
	ActionWait           ActionName = "wait"
	ActionGoBack         ActionName = "go_back"
	ActionGoForward      ActionName = "go_forward"
	ActionSearch         ActionName = "search"
	ActionNavigate       ActionName = "navigate"

	// -- Pointer and keyboard primitives --
	ActionClickAt        ActionName = "click_at"
	ActionHoverAt        ActionName = "hover_at"
	ActionTypeTextAt     ActionName = "type_text_at"
	ActionKeyCombination ActionName = "key_combination"
	ActionScrollDocument ActionName = "scroll_document"
	ActionScrollAt       ActionName = "scroll_at"
	ActionDragAndDrop    ActionName = "drag_and_drop"
)

// actionAliases maps legacy spellings onto their canonical names.
var actionAliases = map[string]ActionName{
	"open_browser":   ActionOpenWebBrowser,
	"wait_5_seconds": ActionWait,
}

var knownActions = map[ActionName]struct{}{
	ActionOpenWebBrowser: {}, ActionWait: {}, ActionGoBack: {}, ActionGoForward: {},
	ActionSearch: {}, ActionNavigate: {}, ActionClickAt: {}, ActionHoverAt: {},
	ActionTypeTextAt: {}, ActionKeyCombination: {}, ActionScrollDocument: {},
	ActionScrollAt: {}, ActionDragAndDrop: {},
}

// ParseActionName resolves a raw function name to its canonical ActionName.
// Aliases are folded; the boolean is false for names outside the vocabulary.
func ParseActionName(raw string) (ActionName, bool) {
	name := strings.ToLower(strings.TrimSpace(raw))
	if alias, ok := actionAliases[name]; ok {
		return alias, true
	}
	if _, ok := knownActions[ActionName(name)]; ok {
		return ActionName(name), true
	}
	return ActionName(name), false
}

// Decision is the model's safety verdict for a proposed action.
type Decision string

const (
	DecisionAllowed             Decision = "allowed"
	DecisionRequireConfirmation Decision = "require_confirmation"
	DecisionBlocked             Decision = "blocked"
)

// SafetyDecision annotates a descriptor with the model's reasoning about risk.
type SafetyDecision struct {
	Explanation string   `json:"explanation"`
	Decision    Decision `json:"decision"`
}

// ScrollDirection is the direction argument of scroll actions.
type ScrollDirection string

const (
	ScrollUp    ScrollDirection = "up"
	ScrollDown  ScrollDirection = "down"
	ScrollLeft  ScrollDirection = "left"
	ScrollRight ScrollDirection = "right"
)

const (
	// CoordinateMax is the inclusive upper bound of the normalized 1000x1000 grid.
	CoordinateMax = 999
	// DefaultScrollMagnitude is used when a scroll action omits magnitude.
	DefaultScrollMagnitude = 800
	// MaxScrollMagnitude caps one scroll at five grid spans.
	MaxScrollMagnitude = 5000
)

// NormalizedPoint is a location on the 1000x1000 grid the model reasons in.
type NormalizedPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ActionDescriptor is a single proposed UI action.
type ActionDescriptor struct {
	Name           ActionName      `json:"name"`
	Args           map[string]any  `json:"args,omitempty"`
	SafetyDecision *SafetyDecision `json:"safety_decision,omitempty"`
}

// Decision returns the effective safety decision. A missing annotation is allowed.
func (d ActionDescriptor) Decision() Decision {
	if d.SafetyDecision == nil || d.SafetyDecision.Decision == "" {
		return DecisionAllowed
	}
	return d.SafetyDecision.Decision
}

// RequiresConfirmation reports whether the descriptor must pass the approval gate.
func (d ActionDescriptor) RequiresConfirmation() bool {
	return d.Decision() == DecisionRequireConfirmation
}

// Blocked reports whether the model refused the action outright.
func (d ActionDescriptor) Blocked() bool {
	return d.Decision() == DecisionBlocked
}

// Explanation returns the safety explanation, or empty when none was given.
func (d ActionDescriptor) Explanation() string {
	if d.SafetyDecision == nil {
		return ""
	}
	return d.SafetyDecision.Explanation
}

// String renders a compact form suitable for activity entries and prompts.
func (d ActionDescriptor) String() string {
	if len(d.Args) == 0 {
		return string(d.Name)
	}
	raw, err := json.Marshal(d.Args)
	if err != nil {
		return string(d.Name)
	}
	return fmt.Sprintf("%s %s", d.Name, raw)
}

// Validate checks the args against the schema for the descriptor's name.
func (d ActionDescriptor) Validate() error {
	if _, ok := knownActions[d.Name]; !ok {
		return newValidationError(d.Name, "name", "unknown action")
	}
	if d.SafetyDecision != nil {
		switch d.SafetyDecision.Decision {
		case "", DecisionAllowed, DecisionRequireConfirmation, DecisionBlocked:
		default:
			return newValidationError(d.Name, "safety_decision", fmt.Sprintf("unknown decision %q", d.SafetyDecision.Decision))
		}
	}

	switch d.Name {
	case ActionClickAt, ActionHoverAt:
		_, err := d.Point("x", "y")
		return err
	case ActionTypeTextAt:
		if _, err := d.Point("x", "y"); err != nil {
			return err
		}
		if _, err := d.RequiredString("text"); err != nil {
			return err
		}
		if _, err := d.BoolArg("press_enter", true); err != nil {
			return err
		}
		_, err := d.BoolArg("clear_before_typing", true)
		return err
	case ActionNavigate:
		_, err := d.RequiredString("url")
		return err
	case ActionKeyCombination:
		_, err := d.RequiredString("keys")
		return err
	case ActionScrollDocument:
		if _, err := d.Direction(); err != nil {
			return err
		}
		_, err := d.Magnitude()
		return err
	case ActionScrollAt:
		if _, err := d.Point("x", "y"); err != nil {
			return err
		}
		if _, err := d.Direction(); err != nil {
			return err
		}
		_, err := d.Magnitude()
		return err
	case ActionDragAndDrop:
		if _, err := d.Point("x", "y"); err != nil {
			return err
		}
		_, err := d.Point("destination_x", "destination_y")
		return err
	case ActionSearch:
		if v, ok := d.Args["query"]; ok {
			if _, isString := v.(string); !isString {
				return newValidationError(d.Name, "query", "must be a string")
			}
		}
	}
	return nil
}

// Point reads a coordinate pair from the named args.
func (d ActionDescriptor) Point(xKey, yKey string) (NormalizedPoint, error) {
	x, err := d.coordinate(xKey)
	if err != nil {
		return NormalizedPoint{}, err
	}
	y, err := d.coordinate(yKey)
	if err != nil {
		return NormalizedPoint{}, err
	}
	return NormalizedPoint{X: x, Y: y}, nil
}

func (d ActionDescriptor) coordinate(key string) (float64, error) {
	raw, ok := d.Args[key]
	if !ok {
		return 0, newValidationError(d.Name, key, "is required")
	}
	v, ok := toFloat(raw)
	if !ok {
		return 0, newValidationError(d.Name, key, fmt.Sprintf("must be numeric, got %T", raw))
	}
	if v < 0 || v > CoordinateMax {
		return 0, newValidationError(d.Name, key, fmt.Sprintf("%v is outside [0,%d]", v, CoordinateMax))
	}
	if v != math.Trunc(v) {
		return 0, newValidationError(d.Name, key, fmt.Sprintf("%v is not a whole grid unit", v))
	}
	return v, nil
}

// RequiredString reads a non-empty string argument.
func (d ActionDescriptor) RequiredString(key string) (string, error) {
	raw, ok := d.Args[key]
	if !ok {
		return "", newValidationError(d.Name, key, "is required")
	}
	s, ok := raw.(string)
	if !ok {
		return "", newValidationError(d.Name, key, fmt.Sprintf("must be a string, got %T", raw))
	}
	if strings.TrimSpace(s) == "" && key != "text" {
		return "", newValidationError(d.Name, key, "must not be empty")
	}
	return s, nil
}

// OptionalString reads a string argument, returning "" when absent.
func (d ActionDescriptor) OptionalString(key string) string {
	s, _ := d.Args[key].(string)
	return s
}

// BoolArg reads an optional boolean, falling back to def when absent.
func (d ActionDescriptor) BoolArg(key string, def bool) (bool, error) {
	raw, ok := d.Args[key]
	if !ok || raw == nil {
		return def, nil
	}
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(v) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
	}
	return def, newValidationError(d.Name, key, fmt.Sprintf("must be a boolean, got %T", raw))
}

// Direction reads the scroll direction argument.
func (d ActionDescriptor) Direction() (ScrollDirection, error) {
	s, err := d.RequiredString("direction")
	if err != nil {
		return "", err
	}
	switch dir := ScrollDirection(strings.ToLower(s)); dir {
	case ScrollUp, ScrollDown, ScrollLeft, ScrollRight:
		return dir, nil
	default:
		return "", newValidationError(d.Name, "direction", fmt.Sprintf("%q is not one of up, down, left, right", s))
	}
}

// Magnitude reads the optional scroll magnitude in normalized units.
func (d ActionDescriptor) Magnitude() (float64, error) {
	raw, ok := d.Args["magnitude"]
	if !ok || raw == nil {
		return DefaultScrollMagnitude, nil
	}
	v, ok := toFloat(raw)
	if !ok || v <= 0 || math.IsInf(v, 0) {
		return 0, newValidationError(d.Name, "magnitude", "must be a positive number")
	}
	if v > MaxScrollMagnitude {
		return 0, newValidationError(d.Name, "magnitude", fmt.Sprintf("%v exceeds %d", v, MaxScrollMagnitude))
	}
	return v, nil
}

// toFloat accepts the numeric shapes JSON decoders and SDKs produce.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case float32:
		return float64(n), !math.IsNaN(float64(n))
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
