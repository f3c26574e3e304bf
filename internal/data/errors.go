package data

import "errors"

var (
	// ErrNotFound is returned when a conversation, message or user does
	// not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotParticipant is returned when the acting user is not one of a
	// conversation's two participants.
	ErrNotParticipant = errors.New("user is not a participant of this conversation")

	// ErrEmptyMessage is returned when a message carries neither text nor
	// an attachment.
	ErrEmptyMessage = errors.New("message must contain text or an attachment")

	// ErrUserExists is returned when creating a user with a taken email.
	ErrUserExists = errors.New("user already exists")
)
