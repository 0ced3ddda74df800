// Package board holds the content model shared by the live channel, the
// stores and the sweeper.
package board

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

var (
	ErrUnknownKind = errors.New("board: unknown content kind")
	ErrInvalidItem = errors.New("board: invalid item")
)

// Kind tags a content item. The zero value is not a valid kind.
type Kind uint8

const (
	KindText Kind = iota + 1
	KindHighlight
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindHighlight:
		return "highlight"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func ParseKind(s string) (Kind, error) {
	switch s {
	case "text":
		return KindText, nil
	case "highlight":
		return KindHighlight, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	switch k {
	case KindText, KindHighlight:
		return []byte(k.String()), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(k))
	}
}

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (p Position) Valid() bool {
	return !math.IsNaN(p.X) && !math.IsInf(p.X, 0) && !math.IsNaN(p.Y) && !math.IsInf(p.Y, 0)
}

// Item is one entry of a room's ordered content log: a text placement or a
// highlight. The log is append-only apart from wholesale replacement.
type Item struct {
	Kind Kind    `json:"type"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Text string  `json:"text"`
}

func NewText(x, y float64, text string) Item {
	return Item{Kind: KindText, X: x, Y: y, Text: text}
}

func NewHighlight(x, y float64, text string) Item {
	return Item{Kind: KindHighlight, X: x, Y: y, Text: text}
}

func (it Item) Position() Position {
	return Position{X: it.X, Y: it.Y}
}

func (it Item) Validate() error {
	switch it.Kind {
	case KindText, KindHighlight:
	default:
		return fmt.Errorf("%w: %d", ErrUnknownKind, uint8(it.Kind))
	}
	if !it.Position().Valid() {
		return fmt.Errorf("%w: coordinates must be finite numbers", ErrInvalidItem)
	}
	return nil
}

// Encode and Decode are the storage form used by the Redis store and tests.
func Encode(it Item) (string, error) {
	if err := it.Validate(); err != nil {
		return "", err
	}
	b, err := json.Marshal(it)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func Decode(s string) (Item, error) {
	var it Item
	if err := json.Unmarshal([]byte(s), &it); err != nil {
		return Item{}, fmt.Errorf("%w: decode: %v", ErrInvalidItem, err)
	}
	return it, it.Validate()
}
