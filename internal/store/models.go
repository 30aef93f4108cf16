package store

import (
	"errors"
	"time"
)

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrProjectExists = errors.New("project already exists")
)

type Project struct {
	ID        string
	Name      string
	OwnerID   string
	CreatedAt time.Time
}

type Collaborator struct {
	ProjectID     string
	ParticipantID string
	Role          string
}
