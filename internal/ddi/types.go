package ddi

import (
	"fmt"
	"regexp"
	"time"
)

// Execution is the execution state of an action as reported to the server
type Execution string

const (
	ExecutionProceeding Execution = "proceeding"
	ExecutionClosed     Execution = "closed"
	ExecutionRejected   Execution = "rejected"
)

// Result is the finished state of an action as reported to the server
type Result string

const (
	ResultNone    Result = "none"
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// Link is a hypermedia link returned by the server
type Link struct {
	Href string `json:"href"`
}

// Base is the controller base resource returned on every poll
type Base struct {
	Config struct {
		Polling struct {
			Sleep string `json:"sleep"`
		} `json:"polling"`
	} `json:"config"`
	Links struct {
		ConfigData     *Link `json:"configData,omitempty"`
		DeploymentBase *Link `json:"deploymentBase,omitempty"`
		CancelAction   *Link `json:"cancelAction,omitempty"`
	} `json:"_links"`
}

// SleepDuration parses the server suggested polling interval (HH:MM:SS)
func (b *Base) SleepDuration() (time.Duration, error) {
	return ParseSleep(b.Config.Polling.Sleep)
}

// Metadata is one key/value pair attached to a chunk
type Metadata struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Chunk is one software module of a deployment
type Chunk struct {
	Part     string     `json:"part"`
	Version  string     `json:"version"`
	Name     string     `json:"name"`
	Metadata []Metadata `json:"metadata"`
}

// DeploymentBase is the deployment descriptor of an action
type DeploymentBase struct {
	ID         string `json:"id"`
	Deployment struct {
		Download string  `json:"download"`
		Update   string  `json:"update"`
		Chunks   []Chunk `json:"chunks"`
	} `json:"deployment"`
}

// CancelAction is the cancel request of an action
type CancelAction struct {
	ID           string `json:"id"`
	CancelAction struct {
		StopID string `json:"stopId"`
	} `json:"cancelAction"`
}

// Progress is the optional chunk counter of a proceeding feedback
type Progress struct {
	Cnt int `json:"cnt"`
	Of  int `json:"of"`
}

// Feedback is what the agent reports about an action
type Feedback struct {
	Execution Execution `json:"execution"`
	Result    Result    `json:"result"`
	Details   []string  `json:"details"`
	Progress  *Progress `json:"progress,omitempty"`
}

// feedbackRequest is the wire shape of a feedback POST
type feedbackRequest struct {
	ID     string         `json:"id"`
	Time   string         `json:"time"`
	Status feedbackStatus `json:"status"`
}

type feedbackStatus struct {
	Execution Execution      `json:"execution"`
	Result    feedbackResult `json:"result"`
	Details   []string       `json:"details"`
}

type feedbackResult struct {
	Finished Result    `json:"finished"`
	Progress *Progress `json:"progress,omitempty"`
}

// configDataRequest is the wire shape of a configData PUT
type configDataRequest struct {
	ID     string            `json:"id"`
	Time   string            `json:"time"`
	Status feedbackStatus    `json:"status"`
	Data   map[string]string `json:"data"`
	Mode   string            `json:"mode"`
}

var (
	deploymentHref = regexp.MustCompile(`/deploymentBase/(.+)\?c=(.+)$`)
	cancelHref     = regexp.MustCompile(`/cancelAction/(.+)$`)
)

// ParseDeploymentLink extracts the action id and resource parameter of a deploymentBase link
func ParseDeploymentLink(href string) (actionID, resource string, err error) {
	match := deploymentHref.FindStringSubmatch(href)
	if match == nil {
		return "", "", fmt.Errorf("%w: unexpected deploymentBase link %q", ErrProtocol, href)
	}
	return match[1], match[2], nil
}

// ParseCancelLink extracts the action id of a cancelAction link
func ParseCancelLink(href string) (string, error) {
	match := cancelHref.FindStringSubmatch(href)
	if match == nil {
		return "", fmt.Errorf("%w: unexpected cancelAction link %q", ErrProtocol, href)
	}
	return match[1], nil
}

// ParseSleep parses an HH:MM:SS duration
func ParseSleep(value string) (time.Duration, error) {
	var h, m, s int
	if _, err := fmt.Sscanf(value, "%d:%d:%d", &h, &m, &s); err != nil {
		return 0, fmt.Errorf("%w: invalid polling sleep %q", ErrProtocol, value)
	}
	if h < 0 || m < 0 || m > 59 || s < 0 || s > 59 {
		return 0, fmt.Errorf("%w: invalid polling sleep %q", ErrProtocol, value)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second, nil
}
