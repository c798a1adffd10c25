package root

import (
	"github.com/zenGate-Global/hospital-ops-core/apps/cli/cmd/auth"
	"github.com/zenGate-Global/hospital-ops-core/apps/cli/cmd/bootstrap"
	"github.com/zenGate-Global/hospital-ops-core/apps/cli/cmd/sweep"
	tenantcmd "github.com/zenGate-Global/hospital-ops-core/apps/cli/cmd/tenant"
)

func init() {
	Root().AddCommand(auth.Command())
	Root().AddCommand(bootstrap.Command())
	Root().AddCommand(tenantcmd.Command())
	Root().AddCommand(sweep.Command())
}
