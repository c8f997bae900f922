package model

import "time"

type TemplateType string

const (
	TemplateReminder      TemplateType = "REMINDER"
	TemplateConfirmation  TemplateType = "CONFIRMATION"
	TemplateFollowup      TemplateType = "FOLLOWUP"
	TemplateMarketing     TemplateType = "MARKETING"
	TemplateNewsletter    TemplateType = "NEWSLETTER"
	TemplateBirthday      TemplateType = "BIRTHDAY"
	TemplateWelcome       TemplateType = "WELCOME"
	TemplatePackageExpiry TemplateType = "PACKAGE_EXPIRY"
	TemplateReferral      TemplateType = "REFERRAL"
	TemplateCustom        TemplateType = "CUSTOM"
)

type Template struct {
	ID        string
	Name      string
	Type      TemplateType
	Subject   string
	HTML      string
	Text      string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type EmailType string

const (
	EmailReminder      EmailType = "REMINDER"
	EmailFollowup      EmailType = "FOLLOWUP"
	EmailBirthday      EmailType = "BIRTHDAY"
	EmailPackageExpiry EmailType = "PACKAGE_EXPIRY"
	EmailCustom        EmailType = "CUSTOM"
)

type EmailStatus string

const (
	EmailPending   EmailStatus = "PENDING"
	EmailSent      EmailStatus = "SENT"
	EmailFailed    EmailStatus = "FAILED"
	EmailCancelled EmailStatus = "CANCELLED"
)

type ScheduledEmail struct {
	ID                string
	ClientID          string
	Type              EmailType
	TemplateID        string
	ScheduledFor      time.Time
	Status            EmailStatus
	Subject           string
	HTML              string
	Text              string
	AppointmentID     string
	PackagePurchaseID string

	// OccasionKey is unique; a second enqueue for the same occasion is dropped.
	OccasionKey string
	// ClaimedUntil leases a PENDING row to one sender.
	ClaimedUntil *time.Time

	SentAt       *time.Time
	ErrorMessage string
	OpenedAt     *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "DRAFT"
	CampaignScheduled CampaignStatus = "SCHEDULED"
	CampaignSending   CampaignStatus = "SENDING"
	CampaignSent      CampaignStatus = "SENT"
	CampaignCancelled CampaignStatus = "CANCELLED"
)

// Sendable reports whether a send may start from this status.
func (s CampaignStatus) Sendable() bool {
	return s == CampaignDraft || s == CampaignScheduled
}

type Campaign struct {
	ID                       string
	Name                     string
	TemplateID               string
	SendToAll                bool
	TargetClientIDs          []string
	OnlyMarketingSubscribers bool
	OnlyActiveClients        bool
	Status                   CampaignStatus
	ScheduledFor             *time.Time
	SentAt                   *time.Time
	TotalRecipients          int
	EmailsSent               int
	EmailsFailed             int
	EmailsOpened             int
	LinksClicked             int
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// RecipientFilter selects campaign recipients.
type RecipientFilter struct {
	SendToAll                bool
	ClientIDs                []string
	OnlyActive               bool
	OnlyMarketingSubscribers bool
}

func (c Campaign) RecipientFilter() RecipientFilter {
	return RecipientFilter{
		SendToAll:                c.SendToAll,
		ClientIDs:                c.TargetClientIDs,
		OnlyActive:               c.OnlyActiveClients,
		OnlyMarketingSubscribers: c.OnlyMarketingSubscribers,
	}
}

// Matches applies the activity and subscription flags; membership is checked by the caller.
func (f RecipientFilter) Matches(c Client) bool {
	if f.OnlyActive && !c.Active {
		return false
	}
	if f.OnlyMarketingSubscribers && !c.MarketingEmails {
		return false
	}
	return true
}

const EmailLogTypeCampaign = "CAMPAIGN"

// EmailLog is append-only; only OpenedAt and ClickedAt are set later by tracking.
type EmailLog struct {
	ID               string
	ClientID         string
	Subject          string
	SentTo           string
	EmailType        string
	CampaignID       string
	ScheduledEmailID string
	SentSuccessfully bool
	ErrorMessage     string
	SentAt           time.Time
	OpenedAt         *time.Time
	ClickedAt        *time.Time
}

// EngagementKind is a tracked recipient action on a sent email.
type EngagementKind string

const (
	EngagementOpened  EngagementKind = "OPENED"
	EngagementClicked EngagementKind = "CLICKED"
)
