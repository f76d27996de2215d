package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-issuance/core"
)

var (
	_ gocmd.Querier[GetIssuanceMessage, core.Issuance]        = (*GetIssuanceQuery)(nil)
	_ gocmd.Querier[ListIssuancesMessage, core.IssuancePage]  = (*ListIssuancesQuery)(nil)
	_ gocmd.Querier[IssuanceStatsMessage, core.IssuanceStats] = (*IssuanceStatsQuery)(nil)
	_ gocmd.Querier[ListTemplatesMessage, []core.Template]    = (*ListTemplatesQuery)(nil)
)
