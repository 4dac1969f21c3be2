package models

import (
	"log"

	"bitbucket.org/mmdatafocus/audit_tracker/config"
)

// Models lists every table owned by the service, in dependency order.
func Models() []interface{} {
	return []interface{}{
		&AuditIssue{}, &IssueStakeholder{}, &IssueEvidence{}, &IssueAnnexure{},
		&IssueActivity{},
		&NotificationRecord{},
	}
}

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(Models()...)
	if err != nil {
		log.Fatal(err)
	}
}
