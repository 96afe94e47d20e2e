package app

import "errors"

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrPromptEmpty        = errors.New("prompt text is empty")
	ErrAttachmentInvalid  = errors.New("attachment is invalid")
	ErrCollectionNotFound = errors.New("collection not found")
	ErrMediaNotFound      = errors.New("media not found")

	ErrMediaStorage     = errors.New("media storage failed")
	ErrStorage          = errors.New("storage failed")
	ErrSequenceConflict = errors.New("message sequence conflict")
	ErrTurnInProgress   = errors.New("another turn is in progress for this collection")

	ErrProvider  = errors.New("model provider failed")
	ErrLLMConfig = errors.New("llm config is invalid")

	// ErrModelMessageUnsaved means the client received the full reply but the
	// model message could not be written. It has been queued for a retry.
	ErrModelMessageUnsaved = errors.New("model message was not saved")
)
