package bugcrowd

import "github.com/CodeMonkeyCybersecurity/chimera/pkg/types"

// vrtIDs maps check kinds onto Bugcrowd's Vulnerability Rating Taxonomy.
var vrtIDs = map[types.CheckKind]string{
	types.CheckXSS:              "cross_site_scripting_xss",
	types.CheckSQLi:             "server_side_injection.sql_injection",
	types.CheckExposedInterface: "server_security_misconfiguration.exposed_admin_portal",
	types.CheckOpenRedirect:     "unvalidated_redirects_and_forwards.open_redirect",
	types.CheckSSRF:             "server_side_request_forgery_ssrf",
	types.CheckMisconfiguration: "server_security_misconfiguration",
}

type programData struct {
	UUID        string       `json:"uuid"`
	Code        string       `json:"code"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	State       string       `json:"state"` // active, paused, archived
	Targets     []targetData `json:"targets,omitempty"`
}

type targetData struct {
	UUID        string `json:"uuid"`
	Name        string `json:"name"`
	Category    string `json:"category"` // website, api, android, ios, other
	Description string `json:"description"`
	InScope     bool   `json:"in_scope"`
}

type createSubmissionPayload struct {
	Submission submissionData `json:"submission"`
}

type submissionData struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	VrtID       string `json:"vrt_id,omitempty"`
	URL         string `json:"url"`
	Priority    string `json:"priority"` // P1..P5
	Impact      string `json:"impact,omitempty"`
}

type createSubmissionResponse struct {
	UUID     string `json:"uuid"`
	Title    string `json:"title"`
	State    string `json:"state"`
	Substate string `json:"substate"`
	Priority string `json:"priority"`
}
