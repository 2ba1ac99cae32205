package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrInvalidExecutors is returned when the executors document is not an
// object of team and user lists.
var ErrInvalidExecutors = errors.New("invalid executors")

// Executors lists the teams and users granted execute access to the job
// templates of an instance. IDs are kept as strings because the controller
// expects ansible IDs in string form.
type Executors struct {
	Teams []string
	Users []string
}

// Empty reports whether there is nobody to grant access to.
func (e Executors) Empty() bool {
	return len(e.Teams) == 0 && len(e.Users) == 0
}

// ParseExecutors reads a raw executors document. Absent or null input yields
// an empty Executors. Keys other than teams and users are ignored.
func ParseExecutors(raw json.RawMessage) (Executors, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Executors{}, nil
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return Executors{}, fmt.Errorf("%w: expected object: %v", ErrInvalidExecutors, err)
	}
	teams, err := parseAssignees(doc["teams"])
	if err != nil {
		return Executors{}, fmt.Errorf("%w: teams: %v", ErrInvalidExecutors, err)
	}
	users, err := parseAssignees(doc["users"])
	if err != nil {
		return Executors{}, fmt.Errorf("%w: users: %v", ErrInvalidExecutors, err)
	}
	return Executors{Teams: teams, Users: users}, nil
}

func parseAssignees(raw json.RawMessage) ([]string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, errors.New("expected list")
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		id, err := assigneeID(item)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

func assigneeID(raw json.RawMessage) (string, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}
	var number json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&number); err == nil {
		if n, err := strconv.ParseInt(number.String(), 10, 64); err == nil {
			return strconv.FormatInt(n, 10), nil
		}
		return number.String(), nil
	}
	return "", fmt.Errorf("unsupported assignee %s", string(raw))
}
