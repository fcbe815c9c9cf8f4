package transport

import (
	"context"
	"errors"
)

// Message is one inbound chat message, platform-neutral.
type Message struct {
	ChatID       int64
	ChatIdent    string // platform identifier as text (username or numeric id)
	ChatTitle    string
	SenderName   string // username, full name, or chat title fallback; "" if unknown
	Text         string
	Photo        *PhotoRef // nil when the message carries no image
	IsGroup      bool
}

// PhotoRef identifies a downloadable image attachment.
type PhotoRef struct {
	FileID string
}

// GroupInfo is the result of resolving a group link or username.
type GroupInfo struct {
	Identifier string // canonical platform identifier
	Title      string
	LogoPath   string // local path of the downloaded logo, "" if none
}

// Join outcome classification. The session adapter maps platform-specific
// failures onto these so callers can branch with errors.Is.
var (
	ErrGroupPrivate  = errors.New("group is private or you are banned from it")
	ErrQuotaExceeded = errors.New("joined too many groups or channels")
	ErrAlreadyMember = errors.New("already a member of this group")
	ErrGroupNotFound = errors.New("group not found")
)

// Session is a live connection to the messaging platform.
//
// Lifecycle calls (Connect, Run, Disconnect) belong to the connection
// supervisor's goroutine; Run blocks until the session drops or ctx is
// canceled. ResolveGroup and JoinGroup must also run on the supervisor's
// goroutine (marshalled via its command channel) because the underlying
// session object is not safe for concurrent external calls.
// DownloadPhoto is plain HTTP and may be called from any goroutine.
type Session interface {
	Connect(ctx context.Context) error
	Authorize(ctx context.Context) error

	// Run pumps inbound messages into out until the session drops.
	// A nil return means a clean disconnect.
	Run(ctx context.Context, out chan<- Message) error

	Disconnect(ctx context.Context) error

	ResolveGroup(ctx context.Context, identifier string) (GroupInfo, error)
	JoinGroup(ctx context.Context, link string) (GroupInfo, error)

	// DownloadPhoto writes the attachment into dir and returns the file path.
	// The caller owns the file and must remove it.
	DownloadPhoto(ctx context.Context, ref PhotoRef, dir string) (string, error)
}
