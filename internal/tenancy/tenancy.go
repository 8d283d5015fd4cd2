// Package tenancy resolves the billing tenant that owns a dtable: an
// individual user, an organization, or an unlimited org-less group.
package tenancy

import (
	"context"
	"errors"
	"fmt"

	"github.com/dtable-io/automationd/internal/models"
	"github.com/dtable-io/automationd/internal/util"
	"gorm.io/gorm"
)

// Kind of tenant a dtable belongs to.
type Kind int

const (
	// KindUser marks a dtable owned by an individual user.
	KindUser Kind = iota
	// KindOrg marks a dtable owned by an organization.
	KindOrg
	// KindGroup marks a dtable owned by a group outside any organization.
	// Such dtables are exempt from quota.
	KindGroup
)

// Tenant identifies the billing unit owning a dtable.
type Tenant struct {
	Kind     Kind
	Username string // Set for KindUser.
	OrgID    int64  // Set for KindOrg.
}

// ErrNotFound is returned when no live workspace backs a dtable uuid.
var ErrNotFound = errors.New("tenancy: dtable workspace not found")

const batchSize = 1000

type ownerRow struct {
	UUID  string
	Owner string
	OrgID int64
}

func classify(owner string, orgID int64) Tenant {
	if orgID != models.OrgIDNone {
		return Tenant{Kind: KindOrg, OrgID: orgID}
	}
	if (models.Workspace{Owner: owner}).IsGroupOwned() {
		return Tenant{Kind: KindGroup}
	}
	return Tenant{Kind: KindUser, Username: owner}
}

// Resolve looks up the tenant owning a single dtable.
func Resolve(ctx context.Context, db *gorm.DB, dtableUUID string) (Tenant, error) {
	if db == nil {
		return Tenant{}, errors.New("tenancy: nil db")
	}
	var row ownerRow
	err := db.WithContext(ctx).
		Model(&models.Workspace{}).
		Select("dtables.uuid AS uuid, workspaces.owner AS owner, workspaces.org_id AS org_id").
		Joins("JOIN dtables ON dtables.workspace_id = workspaces.id").
		Where("dtables.uuid = ?", util.NormalizeDTableUUID(dtableUUID)).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Tenant{}, ErrNotFound
	}
	if err != nil {
		return Tenant{}, fmt.Errorf("tenancy: resolve %s: %w", dtableUUID, err)
	}
	return classify(row.Owner, row.OrgID), nil
}

// ResolveBatch looks up tenants for many dtables at once, querying in
// IN-batches of 1000 uuids. Unknown uuids are absent from the result.
func ResolveBatch(ctx context.Context, db *gorm.DB, dtableUUIDs []string) (map[string]Tenant, error) {
	if db == nil {
		return nil, errors.New("tenancy: nil db")
	}
	out := make(map[string]Tenant, len(dtableUUIDs))
	for start := 0; start < len(dtableUUIDs); start += batchSize {
		end := start + batchSize
		if end > len(dtableUUIDs) {
			end = len(dtableUUIDs)
		}
		var rows []ownerRow
		err := db.WithContext(ctx).
			Model(&models.Workspace{}).
			Select("dtables.uuid AS uuid, workspaces.owner AS owner, workspaces.org_id AS org_id").
			Joins("JOIN dtables ON dtables.workspace_id = workspaces.id").
			Where("dtables.uuid IN ?", dtableUUIDs[start:end]).
			Find(&rows).Error
		if err != nil {
			return nil, fmt.Errorf("tenancy: resolve batch: %w", err)
		}
		for _, row := range rows {
			out[row.UUID] = classify(row.Owner, row.OrgID)
		}
	}
	return out, nil
}
