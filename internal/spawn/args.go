package spawn

import "strings"

// fixedWorkerArgs is the invariant argument set every worker invocation
// starts with. User-configured arguments are appended after it and the
// prompt text is always the final positional argument.
var fixedWorkerArgs = []string{"exec", "--full-auto", "--json", "--sandbox", "danger-full-access"}

const approvalFlag = "--ask-for-approval"

// buildWorkerArgs assembles the worker argument vector, minus the prompt.
// When the user arguments do not set an approval policy, approvals are
// disabled so workers never block on interactive prompts.
func buildWorkerArgs(userArgs []string) []string {
	args := make([]string, 0, len(fixedWorkerArgs)+len(userArgs)+2)
	args = append(args, fixedWorkerArgs...)
	args = append(args, userArgs...)
	if !hasApprovalPolicy(userArgs) {
		args = append(args, approvalFlag, "never")
	}
	return args
}

func hasApprovalPolicy(args []string) bool {
	for _, arg := range args {
		if arg == approvalFlag || strings.HasPrefix(arg, approvalFlag+"=") {
			return true
		}
	}
	return false
}
