package store

import (
	"context"
	"time"

	"github.com/hrygo/deskops/internal/profile"
)

// Driver is an interface for database driver.
type Driver interface {
	GetDB() interface{}
	Migrate(ctx context.Context) error
	Close() error

	// Chat users.
	UpsertChatUser(ctx context.Context, upsert *UpsertChatUser) (*ChatUser, error)
	GetChatUser(ctx context.Context, id int32) (*ChatUser, error)
	GetChatUserByPlatformID(ctx context.Context, platformUserID int64) (*ChatUser, error)
	UpsertVerifiedUser(ctx context.Context, upsert *VerifiedUser) error
	GetVerifiedUser(ctx context.Context, chatUserID int32) (*VerifiedUser, error)
	DeleteVerifiedUser(ctx context.Context, chatUserID int32) error

	// Verifications.
	CreateVerification(ctx context.Context, create *PendingVerification) error
	ConsumeVerification(ctx context.Context, chatUserID int32, code string) (string, error)
	DeleteVerification(ctx context.Context, chatUserID int32) error
	DeleteExpiredVerifications(ctx context.Context, now time.Time) (int64, error)

	// Messages.
	UpsertPersistentMessage(ctx context.Context, upsert *PersistentMessage) error
	GetPersistentMessage(ctx context.Context, chatID int64, topicID *int64, kind MessageKind) (*PersistentMessage, error)
	DeletePersistentMessage(ctx context.Context, chatID int64, topicID *int64, kind MessageKind) error
	SchedulePendingDeletion(ctx context.Context, pending *PendingDeletion) error
	ListDuePendingDeletions(ctx context.Context, now time.Time, limit int) ([]*PendingDeletion, error)
	ListPendingDeletionsByTopic(ctx context.Context, chatID int64, topicID int64) ([]*PendingDeletion, error)
	DeletePendingDeletion(ctx context.Context, chatID int64, messageID int) error

	// Tickets.
	UpsertTicketShadow(ctx context.Context, upsert *TicketShadow) error
	ListTicketShadows(ctx context.Context) ([]*TicketShadow, error)
	SaveTicketMessage(ctx context.Context, save *TicketMessage) error
	ListTicketMessages(ctx context.Context, chatID int64, topicID *int64) ([]*TicketMessage, error)
	DeleteTicketArtifacts(ctx context.Context, ticketID int64) error
	SavePrivateTicketMessage(ctx context.Context, save *PrivateTicketMessage) error
	ListPrivateTicketMessages(ctx context.Context, ticketID int64) ([]*PrivateTicketMessage, error)
	DeletePrivateTicketMessages(ctx context.Context, ticketID int64) error
	CreateTicketAction(ctx context.Context, create *TicketAction) error
	ListTicketActions(ctx context.Context, since, until time.Time) ([]*TicketAction, error)

	// Monitoring.
	ListServers(ctx context.Context) ([]*Server, error)
	TouchServerLastSeen(ctx context.Context, serverID int32, at time.Time) error
	RecordServerEvent(ctx context.Context, record *RecordServerEvent) error
	GetServerMetrics(ctx context.Context, serverID int32) (*ServerMetrics, error)
	ListServerMetrics(ctx context.Context) ([]*ServerMetrics, error)
	ListServerEvents(ctx context.Context, serverID int32, limit int) ([]*ServerEvent, error)

	// Cluster.
	UpsertNode(ctx context.Context, upsert *Node) error
	SetLeader(ctx context.Context, kind profile.NodeKind, nodeID string) error
	ClearLeader(ctx context.Context, nodeID string) error
	MarkNodeInactive(ctx context.Context, nodeID string) error
	HasActiveNode(ctx context.Context, kind profile.NodeKind, staleAfter time.Duration) (bool, error)
	SaveLockAudit(ctx context.Context, audit *LockAudit) error
	DeleteLockAudit(ctx context.Context, name, nodeID string) error

	// Snapshots.
	ListEmployeeRecords(ctx context.Context) ([]*EmployeeRecord, error)
	CreateEmployeeSnapshot(ctx context.Context, create *EmployeeSnapshot) (int64, error)
	PruneAutoSnapshots(ctx context.Context, keep int) (int64, error)

	// Settings.
	ListSettings(ctx context.Context) (map[string]string, error)
	SetSetting(ctx context.Context, key, value string) error
}
