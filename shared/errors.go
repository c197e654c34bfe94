package shared

import "errors"

var (
	ErrNoLogger          = errors.New("no logger provided")
	ErrNoTransport       = errors.New("no signal transport provided")
	ErrNoPeerFactory     = errors.New("no peer factory provided")
	ErrNoMedia           = errors.New("no local media provided")
	ErrNoRoom            = errors.New("no room id provided")
	ErrNoParticipant     = errors.New("no participant id provided")
	ErrRateLimited       = errors.New("signal rate limit exceeded")
	ErrRoomNotFound      = errors.New("room not found")
	ErrRoomFull          = errors.New("room already has two active participants")
	ErrCallAlreadyActive = errors.New("a call is already active")
	ErrCallNotActive     = errors.New("no call is active")
	ErrTransportClosed   = errors.New("signal transport is closed")
)
