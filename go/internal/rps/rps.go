// Package rps is a rock-paper-scissors reducer. Each player's move stays in
// their private slice until both players have moved, then the result is
// published.
package rps

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/mcdev12/movex/go/internal/master"
	"github.com/mcdev12/movex/go/internal/models"
)

// ResourceType is the resource type and reducer key the game registers under.
const ResourceType = "rps"

// Action types.
const (
	ActionMove  = "MOVE"
	ActionReset = "RESET"
)

const (
	StatusWaiting  = "waiting"
	StatusFinished = "finished"
)

var (
	ErrInvalidMove  = errors.New("invalid move")
	ErrAlreadyMoved = errors.New("player already moved")
	ErrGameFinished = errors.New("game already finished")
)

var beats = map[string]string{
	"rock":     "scissors",
	"paper":    "rock",
	"scissors": "paper",
}

// Public is the state every subscriber sees.
type Public struct {
	Status string            `json:"status"`
	Moves  map[string]string `json:"moves,omitempty"`
	Winner string            `json:"winner,omitempty"`
	Draw   bool              `json:"draw,omitempty"`
}

// Private is one player's hidden slice.
type Private struct {
	Move string `json:"move"`
}

// MovePayload is the payload of a MOVE action.
type MovePayload struct {
	Move string `json:"move"`
}

// InitialState returns the public state a new game starts with.
func InitialState() json.RawMessage {
	return json.RawMessage(`{"status":"waiting"}`)
}

func init() {
	if err := master.RegisterReducer(ResourceType, Reducer{}); err != nil {
		panic(err)
	}
}

// Reducer implements master.Reducer for the game.
type Reducer struct{}

func (Reducer) Reduce(state master.State, action models.Action, originator string) (master.Transition, error) {
	var public Public
	if err := json.Unmarshal(state.Public, &public); err != nil {
		return master.Transition{}, fmt.Errorf("decode game state: %w", err)
	}

	switch action.Type {
	case ActionMove:
		return move(public, state.Private, action.Payload, originator)
	case ActionReset:
		return reset(state.Private)
	default:
		return master.Transition{}, fmt.Errorf("unknown action %q", action.Type)
	}
}

func move(public Public, private map[string]json.RawMessage, payload json.RawMessage, originator string) (master.Transition, error) {
	if public.Status == StatusFinished {
		return master.Transition{}, ErrGameFinished
	}
	var p MovePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return master.Transition{}, fmt.Errorf("%w: %v", ErrInvalidMove, err)
	}
	if _, ok := beats[p.Move]; !ok {
		return master.Transition{}, fmt.Errorf("%w: %q", ErrInvalidMove, p.Move)
	}

	moves, err := decodeMoves(private)
	if err != nil {
		return master.Transition{}, err
	}
	if _, moved := moves[originator]; moved {
		return master.Transition{}, ErrAlreadyMoved
	}
	moves[originator] = p.Move

	if len(moves) < 2 {
		slice, err := json.Marshal(Private{Move: p.Move})
		if err != nil {
			return master.Transition{}, err
		}
		return master.Transition{Private: map[string]json.RawMessage{originator: slice}}, nil
	}

	// both players are in: reveal and clear the hidden slices
	finished := Public{Status: StatusFinished, Moves: moves}
	players := make([]string, 0, len(moves))
	for player := range moves {
		players = append(players, player)
	}
	sort.Strings(players)
	a, b := players[0], players[1]
	switch {
	case moves[a] == moves[b]:
		finished.Draw = true
	case beats[moves[a]] == moves[b]:
		finished.Winner = a
	default:
		finished.Winner = b
	}

	next, err := json.Marshal(finished)
	if err != nil {
		return master.Transition{}, err
	}
	return master.Transition{Public: next, Private: clearAll(private)}, nil
}

func reset(private map[string]json.RawMessage) (master.Transition, error) {
	return master.Transition{Public: InitialState(), Private: clearAll(private)}, nil
}

func decodeMoves(private map[string]json.RawMessage) (map[string]string, error) {
	moves := make(map[string]string, len(private))
	for player, slice := range private {
		var p Private
		if err := json.Unmarshal(slice, &p); err != nil {
			return nil, fmt.Errorf("decode move of %s: %w", player, err)
		}
		if p.Move != "" {
			moves[player] = p.Move
		}
	}
	return moves, nil
}

func clearAll(private map[string]json.RawMessage) map[string]json.RawMessage {
	cleared := make(map[string]json.RawMessage, len(private))
	for player := range private {
		cleared[player] = json.RawMessage("null")
	}
	return cleared
}
