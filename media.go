package callkit

import "github.com/pion/webrtc/v4"

// LocalTrack is a local media track handed in by the media collaborator.
// Acquisition and permission handling happen elsewhere; this subsystem only
// attaches the track to the peer connection and closes it on every exit
// path. pion/mediadevices tracks satisfy this interface directly.
type LocalTrack interface {
	webrtc.TrackLocal
	Close() error
}
