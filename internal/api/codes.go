package api

import (
	"errors"
	"fmt"
	"math/rand/v2"

	nanoid "github.com/jaevor/go-nanoid"
	"github.com/npezzotti/shadow-rooms/internal/database"
	"github.com/npezzotti/shadow-rooms/internal/identity"
	"github.com/npezzotti/shadow-rooms/internal/server"
)

// codeAlphabet leaves out characters that are easy to misread (0 O 1 I l o i).
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789abcdefghjkmnpqrstuvwxyz"

const codeAttempts = 10

var errCodeExhausted = errors.New("failed to generate unique room code")

// codeGenerator produces room codes whose length is picked uniformly from
// [min, max].
type codeGenerator struct {
	gens []func() string
}

func newCodeGenerator(minLen, maxLen int) (*codeGenerator, error) {
	if minLen < 1 || maxLen < minLen {
		return nil, fmt.Errorf("invalid room code bounds %d-%d", minLen, maxLen)
	}

	g := &codeGenerator{}
	for n := minLen; n <= maxLen; n++ {
		gen, err := nanoid.CustomASCII(codeAlphabet, n)
		if err != nil {
			return nil, fmt.Errorf("nanoid: %w", err)
		}
		g.gens = append(g.gens, gen)
	}

	return g, nil
}

func (g *codeGenerator) Next() string {
	return g.gens[rand.IntN(len(g.gens))]()
}

// createRoom stores a new room under a freshly generated code.
func (s *RoomsApp) createRoom(name, description, passphrase string) (database.Room, error) {
	digest, err := identity.HashPassphrase(passphrase)
	if err != nil {
		return database.Room{}, fmt.Errorf("hash passphrase: %w", err)
	}

	var code string
	for range codeAttempts {
		candidate := s.codes.Next()
		_, err := s.db.GetRoomByCode(candidate)
		if errors.Is(err, database.ErrNotFound) {
			code = candidate
			break
		}
		if err != nil {
			return database.Room{}, fmt.Errorf("lookup room code: %w", err)
		}
	}
	if code == "" {
		return database.Room{}, errCodeExhausted
	}

	return s.db.CreateRoom(database.CreateRoomParams{
		Code:           code,
		Name:           name,
		Description:    description,
		PassphraseHash: digest,
		CreatedAt:      server.Now(),
	})
}
