package service

import (
	"fmt"
	"strconv"
	"strings"

	ferrors "github.com/aykutalparslan/ferrite/internal/errors"
)

// PeerType is the kind of conversation a message belongs to
type PeerType int

const (
	PeerTypeUser PeerType = iota + 1
	PeerTypeChat
	PeerTypeChannel
)

func (t PeerType) String() string {
	switch t {
	case PeerTypeUser:
		return "user"
	case PeerTypeChat:
		return "chat"
	case PeerTypeChannel:
		return "channel"
	default:
		return fmt.Sprintf("PeerType(%d)", int(t))
	}
}

func (t PeerType) valid() bool {
	return t >= PeerTypeUser && t <= PeerTypeChannel
}

// Peer identifies the other side of a dialog
type Peer struct {
	Type PeerType
	ID   int64
}

func (p Peer) validate() error {
	if !p.Type.valid() {
		return ferrors.InvalidArgument("unknown peer type", nil).WithDetail("peer_type", int(p.Type))
	}
	return nil
}

// Record names. The backends treat them as opaque keys.

func PtsName(userID int64) string { return "seq:pts:" + strconv.FormatInt(userID, 10) }

func QtsName(userID int64) string { return "seq:qts:" + strconv.FormatInt(userID, 10) }

func DialogsName(userID int64) string { return "msg:dialogs:" + strconv.FormatInt(userID, 10) }

func UnreadName(userID int64, peer Peer) string {
	return "msg:unread:" + peerSuffix(userID, peer)
}

func MaxReadName(userID int64, peer Peer) string {
	return "msg:maxread:" + peerSuffix(userID, peer)
}

func peerSuffix(userID int64, peer Peer) string {
	return fmt.Sprintf("%d-%d-%d", userID, int(peer.Type), peer.ID)
}

// ParseUnreadName extracts the owner and peer from an unread set name
func ParseUnreadName(name string) (userID int64, peer Peer, err error) {
	rest, ok := strings.CutPrefix(name, "msg:unread:")
	if !ok {
		return 0, Peer{}, ferrors.InvalidArgument("not an unread set name", nil).WithDetail("name", name)
	}
	// either id may carry a sign; the peer type never does
	parts, ok := splitUnreadSuffix(rest)
	if !ok {
		return 0, Peer{}, ferrors.InvalidArgument("malformed unread set name", nil).WithDetail("name", name)
	}
	userID, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, Peer{}, ferrors.InvalidArgument("malformed user id in unread set name", err).WithDetail("name", name)
	}
	kind, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, Peer{}, ferrors.InvalidArgument("malformed peer type in unread set name", err).WithDetail("name", name)
	}
	peer.Type = PeerType(kind)
	peer.ID, err = strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return 0, Peer{}, ferrors.InvalidArgument("malformed peer id in unread set name", err).WithDetail("name", name)
	}
	return userID, peer, peer.validate()
}

// splitUnreadSuffix splits "<user>-<type>-<peer>" where user and peer may be
// negative
func splitUnreadSuffix(s string) ([3]string, bool) {
	var parts [3]string
	skip := 0
	if strings.HasPrefix(s, "-") {
		skip = 1
	}
	i := strings.IndexByte(s[skip:], '-')
	if i < 0 {
		return parts, false
	}
	i += skip
	kind, peer, ok := strings.Cut(s[i+1:], "-")
	if !ok {
		return parts, false
	}
	parts[0], parts[1], parts[2] = s[:i], kind, peer
	return parts, true
}
