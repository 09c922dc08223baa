// Package ownership provides the change feed of which device owns which
// session within an organization.
package ownership

import (
	"context"
	"sort"
)

// Row assigns a session to a device.
type Row struct {
	SessionID      string `db:"session_id" json:"session_id"`
	DeviceID       string `db:"device_id" json:"device_id"`
	OrganizationID string `db:"organization_id" json:"organization_id"`
	Cwd            string `db:"cwd" json:"cwd"`
}

// Watch is an open feed subscription.
type Watch interface {
	Close() error
}

// Feed streams full ownership snapshots for an organization. Watch delivers
// the initial snapshot before it returns; later snapshots are delivered one
// at a time.
type Feed interface {
	Watch(ctx context.Context, organizationID string, onChange func(rows []Row)) (Watch, error)
}

func sortRows(rows []Row) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].SessionID < rows[j].SessionID })
}
