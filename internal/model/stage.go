package model

import "fmt"

// Stage is the ordinal position of a workflow in the onboarding sequence.
// The zero value is invalid so an unset column can never masquerade as a
// real stage.
type Stage int

const (
	StageBusinessTypeDetermination Stage = iota + 1
	StageDocumentCollection
	StageValidation
	StageSanctionsCheck
	StageRiskAnalysis
	StageRiskManagerReview
	StageQuoteGeneration
	StageMandateVerification
	StageProcurementCheck
	StageContractReviewAndSigning
	StageTwoFactorApproval
	StageFinalApproval
	StageCompleted
)

var stageNames = map[Stage]string{
	StageBusinessTypeDetermination: "business_type_determination",
	StageDocumentCollection:        "document_collection",
	StageValidation:                "validation",
	StageSanctionsCheck:            "sanctions_check",
	StageRiskAnalysis:              "risk_analysis",
	StageRiskManagerReview:         "risk_manager_review",
	StageQuoteGeneration:           "quote_generation",
	StageMandateVerification:       "mandate_verification",
	StageProcurementCheck:          "procurement_check",
	StageContractReviewAndSigning:  "contract_review_and_signing",
	StageTwoFactorApproval:         "two_factor_approval",
	StageFinalApproval:             "final_approval",
	StageCompleted:                 "completed",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Valid reports whether s is a member of the stage sequence.
func (s Stage) Valid() bool {
	_, ok := stageNames[s]
	return ok
}

// Next returns the nominal successor stage. The engine may deviate for the
// documented loops (risk review rework, quote adjustment, mandate retry).
func (s Stage) Next() Stage {
	if s >= StageCompleted {
		return StageCompleted
	}
	return s + 1
}

// MarshalText renders the stage name for JSON output.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a stage name. Unknown names are an error, not a
// silent zero stage.
func (s *Stage) UnmarshalText(b []byte) error {
	name := string(b)
	for st, n := range stageNames {
		if n == name {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown stage %q", name)
}
