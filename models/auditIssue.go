package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/audit_tracker/config"
	"bitbucket.org/mmdatafocus/audit_tracker/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type AuditIssue struct {
	ID                string          `gorm:"type:char(36);primaryKey" json:"id"`
	SerialNumber      int             `gorm:"uniqueIndex;not null" json:"serialNumber"`
	FiscalYear        string          `gorm:"size:20;index" json:"fiscalYear"`
	Date              *MyDate         `gorm:"type:date" json:"date"`
	Process           string          `gorm:"size:255;index" json:"process"`
	EntityCovered     string          `gorm:"size:500" json:"entityCovered"`
	Observation       string          `gorm:"type:text" json:"observation"`
	RiskLevel         RiskLevel       `gorm:"size:10;index;not null" json:"riskLevel"`
	Risk              string          `gorm:"type:text" json:"risk"`
	Recommendation    string          `gorm:"type:text" json:"recommendation"`
	ManagementComment string          `gorm:"type:text" json:"managementComment"`
	ActionRequired    string          `gorm:"type:text" json:"actionRequired"`
	Timeline          *MyDate         `gorm:"type:date;index" json:"timeline"`
	CurrentStatus     CurrentStatus   `gorm:"size:30;index;not null" json:"currentStatus"`
	EvidenceStatus    *EvidenceStatus `gorm:"size:30" json:"evidenceStatus"`
	ReviewComments    string          `gorm:"type:text" json:"reviewComments"`
	StartMonth        string          `gorm:"size:50" json:"startMonth"`
	EndMonth          string          `gorm:"size:50" json:"endMonth"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updatedAt"`

	Stakeholders     []IssueStakeholder `gorm:"foreignKey:IssueID" json:"-"`
	EvidenceReceived []IssueEvidence    `gorm:"foreignKey:IssueID" json:"evidenceReceived"`
	Annexure         []IssueAnnexure    `gorm:"foreignKey:IssueID" json:"annexure"`

	// filled from Stakeholders by hydrate
	PersonResponsible EmailList `gorm:"-" json:"personResponsible"`
	Approver          EmailList `gorm:"-" json:"approver"`
	CxoResponsible    EmailList `gorm:"-" json:"cxoResponsible"`
	CoOwner           EmailList `gorm:"-" json:"coOwner"`
}

type NewAuditIssue struct {
	FiscalYear        string    `json:"fiscalYear" validate:"max=20"`
	Date              *MyDate   `json:"date"`
	Process           string    `json:"process" validate:"required,max=255"`
	EntityCovered     string    `json:"entityCovered" validate:"max=500"`
	Observation       string    `json:"observation" validate:"required"`
	RiskLevel         string    `json:"riskLevel"`
	Risk              string    `json:"risk"`
	Recommendation    string    `json:"recommendation"`
	ManagementComment string    `json:"managementComment"`
	ActionRequired    string    `json:"actionRequired"`
	PersonResponsible EmailList `json:"personResponsible" validate:"dive,email"`
	Approver          EmailList `json:"approver" validate:"dive,email"`
	CxoResponsible    EmailList `json:"cxoResponsible" validate:"dive,email"`
	CoOwner           EmailList `json:"coOwner" validate:"dive,email"`
	Timeline          *MyDate   `json:"timeline"`
	CurrentStatus     string    `json:"currentStatus"`
	StartMonth        string    `json:"startMonth" validate:"max=50"`
	EndMonth          string    `json:"endMonth" validate:"max=50"`
}

// UpdateAuditIssue carries a partial update; nil fields are left untouched.
type UpdateAuditIssue struct {
	FiscalYear        *string    `json:"fiscalYear" validate:"omitempty,max=20"`
	Date              *MyDate    `json:"date"`
	Process           *string    `json:"process" validate:"omitempty,max=255"`
	EntityCovered     *string    `json:"entityCovered" validate:"omitempty,max=500"`
	Observation       *string    `json:"observation"`
	RiskLevel         *string    `json:"riskLevel" validate:"omitempty,oneof=high medium low"`
	Risk              *string    `json:"risk"`
	Recommendation    *string    `json:"recommendation"`
	ManagementComment *string    `json:"managementComment"`
	ActionRequired    *string    `json:"actionRequired"`
	PersonResponsible *EmailList `json:"personResponsible" validate:"omitempty,dive,email"`
	Approver          *EmailList `json:"approver" validate:"omitempty,dive,email"`
	CxoResponsible    *EmailList `json:"cxoResponsible" validate:"omitempty,dive,email"`
	CoOwner           *EmailList `json:"coOwner" validate:"omitempty,dive,email"`
	Timeline          *MyDate    `json:"timeline"`
	StartMonth        *string    `json:"startMonth" validate:"omitempty,max=50"`
	EndMonth          *string    `json:"endMonth" validate:"omitempty,max=50"`
}

// IssueFilter narrows GetAuditIssues. Viewer restricts to issues where the email holds any stakeholder role.
type IssueFilter struct {
	Viewer     string
	Status     string
	RiskLevel  string
	FiscalYear string
	Process    string
}

// roleLists pairs each stakeholder role with the issue field mirroring it.
func (i *AuditIssue) roleLists() map[StakeholderRole]*EmailList {
	return map[StakeholderRole]*EmailList{
		StakeholderRolePersonResponsible: &i.PersonResponsible,
		StakeholderRoleApprover:          &i.Approver,
		StakeholderRoleCxoResponsible:    &i.CxoResponsible,
		StakeholderRoleCoOwner:           &i.CoOwner,
	}
}

// hydrate fills the role lists from stakeholder rows and replaces nil slices with empty ones.
func (i *AuditIssue) hydrate() {
	lists := i.roleLists()
	for _, l := range lists {
		*l = EmailList{}
	}
	for _, s := range i.Stakeholders {
		if l, ok := lists[s.Role]; ok {
			*l = append(*l, s.Email)
		}
	}
	if i.EvidenceReceived == nil {
		i.EvidenceReceived = []IssueEvidence{}
	}
	if i.Annexure == nil {
		i.Annexure = []IssueAnnexure{}
	}
}

// Recipients returns the de-duplicated emails holding any of roles.
func (i *AuditIssue) Recipients(roles ...StakeholderRole) []string {
	lists := i.roleLists()
	var out []string
	for _, r := range roles {
		if l, ok := lists[r]; ok {
			out = append(out, (*l)...)
		}
	}
	return utils.UniqueSlice(out)
}

// HasStakeholder reports whether email holds any role on the issue.
func (i *AuditIssue) HasStakeholder(email string) bool {
	for _, l := range i.roleLists() {
		if l.Contains(email) {
			return true
		}
	}
	return false
}

func withIssueAssociations(db *gorm.DB) *gorm.DB {
	return db.
		Preload("Stakeholders", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Preload("EvidenceReceived", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Preload("Annexure", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") })
}

func CreateAuditIssue(ctx context.Context, input *NewAuditIssue) (*AuditIssue, error) {
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	issue, err := createAuditIssue(ctx, config.GetDB(), input)
	if err != nil {
		return nil, err
	}
	invalidateReportCache(time.Now())
	return GetAuditIssue(ctx, issue.ID)
}

// createAuditIssue inserts the issue and its stakeholders in one transaction.
// The serial number is MAX+1; a concurrent insert hitting the unique index is retried.
func createAuditIssue(ctx context.Context, db *gorm.DB, input *NewAuditIssue) (*AuditIssue, error) {
	status := CurrentStatusToBeReceived
	if raw := strings.TrimSpace(input.CurrentStatus); raw != "" {
		if cs := CurrentStatus(raw); cs.IsValid() {
			status = cs
		} else {
			status = NormalizeCurrentStatus(raw)
		}
	}
	issue := AuditIssue{
		FiscalYear:        strings.TrimSpace(input.FiscalYear),
		Date:              input.Date,
		Process:           strings.TrimSpace(input.Process),
		EntityCovered:     strings.TrimSpace(input.EntityCovered),
		Observation:       input.Observation,
		RiskLevel:         NormalizeRiskLevel(input.RiskLevel),
		Risk:              input.Risk,
		Recommendation:    input.Recommendation,
		ManagementComment: input.ManagementComment,
		ActionRequired:    input.ActionRequired,
		Timeline:          input.Timeline,
		CurrentStatus:     status,
		StartMonth:        strings.TrimSpace(input.StartMonth),
		EndMonth:          strings.TrimSpace(input.EndMonth),
		PersonResponsible: input.PersonResponsible,
		Approver:          input.Approver,
		CxoResponsible:    input.CxoResponsible,
		CoOwner:           input.CoOwner,
	}

	const maxAttempts = 3
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		issue.ID = uuid.NewString()
		err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var maxSerial int
			if err := tx.Model(&AuditIssue{}).Select("COALESCE(MAX(serial_number), 0)").Scan(&maxSerial).Error; err != nil {
				return err
			}
			issue.SerialNumber = maxSerial + 1
			if err := tx.Omit("Stakeholders", "EvidenceReceived", "Annexure").Create(&issue).Error; err != nil {
				return err
			}
			return replaceStakeholders(tx, issue.ID, issue.roleLists())
		})
		if err == nil || !isDuplicateKeyErr(err) {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	return &issue, nil
}

// isDuplicateKeyErr matches both the translated gorm error and a raw MySQL 1062.
func isDuplicateKeyErr(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

func GetAuditIssue(ctx context.Context, id string) (*AuditIssue, error) {
	return getAuditIssue(config.GetDB().WithContext(ctx), id)
}

func getAuditIssue(db *gorm.DB, id string) (*AuditIssue, error) {
	var issue AuditIssue
	if err := withIssueAssociations(db).Where("id = ?", id).Take(&issue).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	issue.hydrate()
	return &issue, nil
}

// issueExists checks the id without loading associations.
func issueExists(db *gorm.DB, id string) error {
	var count int64
	if err := db.Model(&AuditIssue{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return utils.ErrorRecordNotFound
	}
	return nil
}

func GetAuditIssues(ctx context.Context, filter IssueFilter) ([]*AuditIssue, error) {
	db := config.GetDB()
	dbCtx := withIssueAssociations(db.WithContext(ctx))

	if viewer := strings.ToLower(strings.TrimSpace(filter.Viewer)); viewer != "" {
		dbCtx = dbCtx.Where("id IN (?)", db.Model(&IssueStakeholder{}).Select("issue_id").Where("email = ?", viewer))
	}
	if filter.Status != "" {
		dbCtx = dbCtx.Where("current_status = ?", filter.Status)
	}
	if filter.RiskLevel != "" {
		dbCtx = dbCtx.Where("risk_level = ?", NormalizeRiskLevel(filter.RiskLevel))
	}
	if filter.FiscalYear != "" {
		dbCtx = dbCtx.Where("fiscal_year = ?", filter.FiscalYear)
	}
	if filter.Process != "" {
		dbCtx = dbCtx.Where("process = ?", filter.Process)
	}

	var results []*AuditIssue
	if err := dbCtx.Order("serial_number ASC").Find(&results).Error; err != nil {
		return nil, err
	}
	for _, issue := range results {
		issue.hydrate()
	}
	return results, nil
}

func UpdateAuditIssueFields(ctx context.Context, id string, input *UpdateAuditIssue) (*AuditIssue, error) {
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	setString := func(column string, v *string) {
		if v != nil {
			updates[column] = strings.TrimSpace(*v)
		}
	}
	setString("fiscal_year", input.FiscalYear)
	setString("process", input.Process)
	setString("entity_covered", input.EntityCovered)
	setString("start_month", input.StartMonth)
	setString("end_month", input.EndMonth)
	if input.Observation != nil {
		updates["observation"] = *input.Observation
	}
	if input.Risk != nil {
		updates["risk"] = *input.Risk
	}
	if input.Recommendation != nil {
		updates["recommendation"] = *input.Recommendation
	}
	if input.ManagementComment != nil {
		updates["management_comment"] = *input.ManagementComment
	}
	if input.ActionRequired != nil {
		updates["action_required"] = *input.ActionRequired
	}
	if input.RiskLevel != nil {
		updates["risk_level"] = NormalizeRiskLevel(*input.RiskLevel)
	}
	if input.Date != nil {
		updates["date"] = *input.Date
	}
	if input.Timeline != nil {
		updates["timeline"] = *input.Timeline
	}

	roles := map[StakeholderRole]*EmailList{}
	if input.PersonResponsible != nil {
		roles[StakeholderRolePersonResponsible] = input.PersonResponsible
	}
	if input.Approver != nil {
		roles[StakeholderRoleApprover] = input.Approver
	}
	if input.CxoResponsible != nil {
		roles[StakeholderRoleCxoResponsible] = input.CxoResponsible
	}
	if input.CoOwner != nil {
		roles[StakeholderRoleCoOwner] = input.CoOwner
	}

	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := issueExists(tx, id); err != nil {
			return err
		}
		updates["updated_at"] = time.Now().UTC()
		if err := tx.Model(&AuditIssue{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return err
		}
		return replaceStakeholders(tx, id, roles)
	})
	if err != nil {
		return nil, err
	}
	invalidateReportCache(time.Now())
	return GetAuditIssue(ctx, id)
}

// CloseAuditIssue flips the workflow status to Closed and records the change in the activity feed.
func CloseAuditIssue(ctx context.Context, id string) (*AuditIssue, error) {
	actor := utils.ActorFromContext(ctx)
	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&AuditIssue{}).Where("id = ?", id).Updates(map[string]interface{}{
			"current_status": CurrentStatusClosed,
			"updated_at":     time.Now().UTC(),
		})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return utils.ErrorRecordNotFound
		}
		return recordActivity(tx, &IssueActivity{
			IssueID: id,
			Kind:    ActivityKindStatus,
			Author:  actor,
			Body:    "Issue closed",
		})
	})
	if err != nil {
		return nil, err
	}
	invalidateReportCache(time.Now())
	return GetAuditIssue(ctx, id)
}
