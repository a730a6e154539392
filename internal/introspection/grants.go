package introspection

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PrivilegeCheckResult reports whether the connected user may run the
// gateway's procedures.
type PrivilegeCheckResult struct {
	CanExecute      bool     // Whether a direct grant covers EXECUTE on the target database
	ExecuteGrants   []string // Grants that provide EXECUTE
	HasRoleGrants   bool     // Whether roles are granted, which may carry EXECUTE indirectly
	HasBroadWriting bool     // Whether the user can also write tables directly, bypassing procedures
}

// CheckExecutePrivilege inspects SHOW GRANTS for the current user. It returns
// an error only if the grant query itself fails.
func CheckExecutePrivilege(ctx context.Context, db *sql.DB, targetDatabase string) (*PrivilegeCheckResult, error) {
	rows, err := db.QueryContext(ctx, "SHOW GRANTS FOR CURRENT_USER()")
	if err != nil {
		return nil, fmt.Errorf("failed to query user privileges: %w", err)
	}
	defer rows.Close()

	result := &PrivilegeCheckResult{}
	dbPattern := fmt.Sprintf("ON `%s`.*", targetDatabase)

	for rows.Next() {
		var grant string
		if err := rows.Scan(&grant); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}

		if isRoleGrant(grant) {
			result.HasRoleGrants = true
			continue
		}

		onTarget := strings.Contains(grant, "ON *.*") || strings.Contains(grant, dbPattern)
		if !onTarget {
			continue
		}

		if containsPrivilege(grant, "EXECUTE") || containsPrivilege(grant, "ALL PRIVILEGES") {
			result.CanExecute = true
			result.ExecuteGrants = append(result.ExecuteGrants, grant)
		}
		if containsPrivilege(grant, "INSERT") || containsPrivilege(grant, "UPDATE") ||
			containsPrivilege(grant, "DELETE") || containsPrivilege(grant, "ALL PRIVILEGES") {
			result.HasBroadWriting = true
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating grants: %w", err)
	}

	return result, nil
}

// containsPrivilege checks whether the privilege list of a GRANT statement
// names privilege.
func containsPrivilege(grant, privilege string) bool {
	upper := strings.ToUpper(grant)
	if !strings.HasPrefix(upper, "GRANT ") {
		return false
	}
	on := strings.Index(upper, " ON ")
	if on < 0 {
		return false
	}
	for _, p := range strings.Split(upper[len("GRANT "):on], ",") {
		if strings.TrimSpace(p) == privilege {
			return true
		}
	}
	return false
}

// isRoleGrant matches "GRANT `role`@`%` TO ..." statements, which have no ON clause.
func isRoleGrant(grant string) bool {
	upper := strings.ToUpper(grant)
	return strings.HasPrefix(upper, "GRANT ") && !strings.Contains(upper, " ON ")
}
