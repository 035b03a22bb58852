package service

import "errors"

var (
	ErrCallNotFound        = errors.New("call not found")
	ErrCallNotParticipant  = errors.New("user is not a participant of this call")
	ErrCallNotRecipient    = errors.New("only the invited user can answer this call")
	ErrCallClosed          = errors.New("call has already ended")
	ErrCallAlreadyOpen     = errors.New("an open call already exists for this appointment")
	ErrCallSelf            = errors.New("cannot call yourself")
	ErrNotAdmitted         = errors.New("join the call before entering the room")
	ErrNotInRoom           = errors.New("socket is not a member of this room")
	ErrTargetNotInRoom     = errors.New("target socket is not a member of this room")
	ErrUnknownEvent        = errors.New("unknown realtime event")
	ErrNotificationInvalid = errors.New("invalid notification")
)
