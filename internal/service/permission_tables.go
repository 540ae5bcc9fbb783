package service

import "github.com/pesio-ai/be-pc-approvals/internal/repository"

// roleSecurityGroups maps identity-provider roles to security-group names.
// Order is role priority: the first role with an active mapping wins.
var roleSecurityGroups = []struct {
	Role  string
	Group string
}{
	{"Administrator", "SG-Administrators"},
	{"Executive", "SG-Executive-Leadership"},
	{"Department Head", "SG-Department-Heads"},
	{"Project Executive", "SG-Project-Executives"},
	{"Project Manager", "SG-Project-Managers"},
	{"Estimator", "SG-Estimating"},
	{"BD Rep", "SG-Business-Development"},
	{"Accounting", "SG-Accounting"},
	{"External Partner", "SG-External-Partners"},
}

// readOnlyGroup is the mapping used when none of a user's roles map.
const readOnlyGroup = "SG-Read-Only"

// toolDefinitions expands (tool, level) into checkable permission tokens.
// Levels are listed explicitly; there is no implied inheritance.
var toolDefinitions = map[string]map[repository.AccessLevel][]string{
	"scorecards": {
		repository.AccessRead:  {"scorecard:read"},
		repository.AccessEdit:  {"scorecard:read", "scorecard:write", "scorecard:submit"},
		repository.AccessAdmin: {"scorecard:read", "scorecard:write", "scorecard:submit", "scorecard:approve", "scorecard:unlock"},
	},
	"project_plans": {
		repository.AccessRead:  {"pmp:read"},
		repository.AccessEdit:  {"pmp:read", "pmp:write", "pmp:submit"},
		repository.AccessAdmin: {"pmp:read", "pmp:write", "pmp:submit", "pmp:approve", "pmp:unlock"},
	},
	"buyout": {
		repository.AccessRead:  {"buyout:read"},
		repository.AccessEdit:  {"buyout:read", "buyout:write", "commitment:submit"},
		repository.AccessAdmin: {"buyout:read", "buyout:write", "commitment:submit", "commitment:approve", "waiver:approve"},
	},
	"workflows": {
		repository.AccessRead:  {"workflow:read"},
		repository.AccessEdit:  {"workflow:read", "workflow:override"},
		repository.AccessAdmin: {"workflow:read", "workflow:override", "workflow:configure"},
	},
	"permissions": {
		repository.AccessRead:  {"permission:read"},
		repository.AccessAdmin: {"permission:read", "permission:assign", "permission:template"},
	},
	"project_hub": {
		repository.AccessRead:  {"project:read"},
		repository.AccessEdit:  {"project:read", "project:write"},
		repository.AccessAdmin: {"project:read", "project:write", "project:team"},
	},
}
