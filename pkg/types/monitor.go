package types

// MonitorTarget is one configured (owner, host) pair to keep under watch.
type MonitorTarget struct {
	Owner    string `json:"owner" yaml:"owner"`
	Host     string `json:"host" yaml:"host"`
	Disabled bool   `json:"disabled" yaml:"disabled"`
}
