package model

import "time"

// Document is the metadata row for an applicant-submitted document; the
// object itself lives in the document store.
type Document struct {
	ID          string    `json:"id" db:"id"`
	WorkflowID  string    `json:"workflow_id" db:"workflow_id"`
	Name        string    `json:"name" db:"name"`
	ContentType string    `json:"content_type" db:"content_type"`
	ObjectKey   string    `json:"object_key" db:"object_key"`
	SizeBytes   int64     `json:"size_bytes" db:"size_bytes"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// RequiredDocuments returns the document names an applicant of the given
// business type has to provide before collection can complete.
func RequiredDocuments(businessType string) []string {
	switch businessType {
	case BusinessTypeCompany:
		return []string{"certificate_of_incorporation", "proof_of_address", "director_id"}
	default:
		return []string{"proof_of_identity", "proof_of_address"}
	}
}
