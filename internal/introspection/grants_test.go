package introspection

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestCheckExecutePrivilege(t *testing.T) {
	tests := []struct {
		name           string
		targetDatabase string
		grants         []string
		expectExecute  bool
		expectRoles    bool
		expectWriting  bool
	}{
		{
			name:           "execute on target database",
			targetDatabase: "mydb",
			grants: []string{
				"GRANT USAGE ON *.* TO 'gw'@'%'",
				"GRANT EXECUTE ON `mydb`.* TO 'gw'@'%'",
			},
			expectExecute: true,
		},
		{
			name:           "execute on different database",
			targetDatabase: "mydb",
			grants: []string{
				"GRANT EXECUTE ON `otherdb`.* TO 'gw'@'%'",
			},
			expectExecute: false,
		},
		{
			name:           "all privileges everywhere",
			targetDatabase: "mydb",
			grants: []string{
				"GRANT ALL PRIVILEGES ON *.* TO 'root'@'localhost'",
			},
			expectExecute: true,
			expectWriting: true,
		},
		{
			name:           "execute and direct writes",
			targetDatabase: "mydb",
			grants: []string{
				"GRANT SELECT, INSERT, EXECUTE ON `mydb`.* TO 'gw'@'%'",
			},
			expectExecute: true,
			expectWriting: true,
		},
		{
			name:           "role only",
			targetDatabase: "mydb",
			grants: []string{
				"GRANT USAGE ON *.* TO 'gw'@'%'",
				"GRANT `gateway_role`@`%` TO 'gw'@'%'",
			},
			expectRoles: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			if err != nil {
				t.Fatalf("failed to create mock db: %v", err)
			}
			defer db.Close()

			rows := sqlmock.NewRows([]string{"grant"})
			for _, grant := range tt.grants {
				rows.AddRow(grant)
			}
			mock.ExpectQuery("SHOW GRANTS FOR CURRENT_USER").WillReturnRows(rows)

			result, err := CheckExecutePrivilege(context.Background(), db, tt.targetDatabase)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.CanExecute != tt.expectExecute {
				t.Errorf("expected CanExecute=%v, got %v", tt.expectExecute, result.CanExecute)
			}
			if result.HasRoleGrants != tt.expectRoles {
				t.Errorf("expected HasRoleGrants=%v, got %v", tt.expectRoles, result.HasRoleGrants)
			}
			if result.HasBroadWriting != tt.expectWriting {
				t.Errorf("expected HasBroadWriting=%v, got %v", tt.expectWriting, result.HasBroadWriting)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestContainsPrivilege(t *testing.T) {
	tests := []struct {
		grant     string
		privilege string
		expected  bool
	}{
		{"GRANT EXECUTE ON *.* TO 'u'@'%'", "EXECUTE", true},
		{"GRANT SELECT,EXECUTE ON `db`.* TO 'u'@'%'", "EXECUTE", true},
		{"GRANT SELECT ON `db`.* TO 'u'@'%'", "EXECUTE", false},
		{"GRANT ALL PRIVILEGES ON *.* TO 'u'@'%'", "ALL PRIVILEGES", true},
		{"GRANT `role`@`%` TO 'u'@'%'", "EXECUTE", false},
	}

	for _, tt := range tests {
		t.Run(tt.grant, func(t *testing.T) {
			if got := containsPrivilege(tt.grant, tt.privilege); got != tt.expected {
				t.Errorf("containsPrivilege(%q, %q) = %v, want %v", tt.grant, tt.privilege, got, tt.expected)
			}
		})
	}
}
