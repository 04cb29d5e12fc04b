package scheduling

import "github.com/citadel-ai/inference-gateway/api/v1alpha1"

// Decision is the outcome of routing one request: which backend serves it and how to
// talk to that backend. It is only valid for the request it was made for.
type Decision struct {
	Model    string
	Address  string
	Protocol v1alpha1.Protocol
}

func (d *Decision) String() string {
	return d.Model + "@" + d.Address + "/" + string(d.Protocol)
}
