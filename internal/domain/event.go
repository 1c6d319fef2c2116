package domain

import "strings"

// EventType names a content-management event a webhook can subscribe to.
type EventType string

const (
	EventPageCreated     EventType = "page_created"
	EventPageUpdated     EventType = "page_updated"
	EventPagePublished   EventType = "page_published"
	EventPageUnpublished EventType = "page_unpublished"
	EventPageDeleted     EventType = "page_deleted"
	EventPageScheduled   EventType = "page_scheduled"
	EventDraftSaved      EventType = "draft_saved"
	EventVersionRestored EventType = "version_restored"
	EventFAQCreated      EventType = "faq_created"
	EventFAQUpdated      EventType = "faq_updated"
	EventFAQDeleted      EventType = "faq_deleted"
	EventBlogPublished   EventType = "blog_published"
	EventBlogUnpublished EventType = "blog_unpublished"
	EventContentApproved EventType = "content_approved"
	EventContentRejected EventType = "content_rejected"
)

var eventTypes = []EventType{
	EventPageCreated,
	EventPageUpdated,
	EventPagePublished,
	EventPageUnpublished,
	EventPageDeleted,
	EventPageScheduled,
	EventDraftSaved,
	EventVersionRestored,
	EventFAQCreated,
	EventFAQUpdated,
	EventFAQDeleted,
	EventBlogPublished,
	EventBlogUnpublished,
	EventContentApproved,
	EventContentRejected,
}

// EventTypes returns the full event taxonomy in declaration order.
func EventTypes() []EventType {
	out := make([]EventType, len(eventTypes))
	copy(out, eventTypes)
	return out
}

func (t EventType) Valid() bool {
	for _, et := range eventTypes {
		if et == t {
			return true
		}
	}
	return false
}

// Action is the human-readable form carried in the envelope, e.g. "page published".
func (t EventType) Action() string {
	return strings.ReplaceAll(string(t), "_", " ")
}

// Actor identifies who caused a content event.
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ContentEvent is a content mutation reported by the CMS layer.
type ContentEvent struct {
	TenantID   string         `json:"tenantId"`
	Type       EventType      `json:"event"`
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	EntityName string         `json:"entityName,omitempty"`
	Changes    map[string]any `json:"changes,omitempty"`
	Actor      *Actor         `json:"actor,omitempty"`
}

func (e ContentEvent) Validate() error {
	if e.TenantID == "" {
		return Invalid("tenantId", "Tenant is required")
	}
	if !e.Type.Valid() {
		return Invalid("event", "Unknown event type: %s", e.Type)
	}
	if e.EntityType == "" {
		return Invalid("entityType", "Entity type is required")
	}
	if e.EntityID == "" {
		return Invalid("entityId", "Entity id is required")
	}
	return nil
}
