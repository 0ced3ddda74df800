package room

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	mrand "math/rand/v2"
	"regexp"
)

// Palette is the fixed set of cursor colours handed out to participants.
var Palette = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#96CEB4",
	"#FFEEAD", "#D4A5A5", "#9B59B6", "#3498DB",
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// GenerateID returns a short random room ID. IDs can collide; creating a room
// with a taken ID fails and the caller picks a new one.
func GenerateID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("room: generate id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// AllocateColor picks uniformly from Palette. Colours repeat across participants.
func AllocateColor() string {
	return Palette[mrand.IntN(len(Palette))]
}

func ValidID(id string) bool {
	return idPattern.MatchString(id)
}
