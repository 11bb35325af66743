package mesos

// Wire types for the JSON encoding of the v1 scheduler and executor HTTP APIs. Only the
// fields this framework reads or writes are modeled. []byte fields travel as base64.

type value struct {
	Value string `json:"value"`
}

type scalar struct {
	Value float64 `json:"value"`
}

type resource struct {
	Name   string  `json:"name"`
	Type   string  `json:"type"`
	Scalar *scalar `json:"scalar,omitempty"`
	Role   string  `json:"role,omitempty"`
}

func scalarResource(name string, v float64) resource {
	return resource{Name: name, Type: "SCALAR", Scalar: &scalar{Value: v}}
}

type frameworkInfo struct {
	ID              *value       `json:"id,omitempty"`
	User            string       `json:"user"`
	Name            string       `json:"name"`
	Hostname        string       `json:"hostname,omitempty"`
	Roles           []string     `json:"roles,omitempty"`
	FailoverTimeout float64      `json:"failover_timeout,omitempty"`
	Capabilities    []capability `json:"capabilities,omitempty"`
}

type capability struct {
	Type string `json:"type"`
}

type commandURI struct {
	Value   string `json:"value"`
	Extract bool   `json:"extract"`
}

type commandInfo struct {
	Value string       `json:"value"`
	URIs  []commandURI `json:"uris,omitempty"`
	Shell bool         `json:"shell"`
}

type executorInfo struct {
	ExecutorID value       `json:"executor_id"`
	Name       string      `json:"name,omitempty"`
	Command    commandInfo `json:"command"`
	Resources  []resource  `json:"resources,omitempty"`
}

type taskInfo struct {
	Name      string        `json:"name"`
	TaskID    value         `json:"task_id"`
	AgentID   value         `json:"agent_id"`
	Resources []resource    `json:"resources"`
	Executor  *executorInfo `json:"executor,omitempty"`
	Data      []byte        `json:"data,omitempty"`
}

type offer struct {
	ID        value      `json:"id"`
	AgentID   value      `json:"agent_id"`
	Hostname  string     `json:"hostname"`
	Resources []resource `json:"resources"`
}

type masterInfo struct {
	ID       string `json:"id"`
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
}

type taskStatus struct {
	TaskID     value  `json:"task_id"`
	State      string `json:"state"`
	Message    string `json:"message,omitempty"`
	Source     string `json:"source,omitempty"`
	AgentID    *value `json:"agent_id,omitempty"`
	ExecutorID *value `json:"executor_id,omitempty"`
	UUID       []byte `json:"uuid,omitempty"`
}

type filters struct {
	RefuseSeconds float64 `json:"refuse_seconds,omitempty"`
}

// Scheduler API events.

type event struct {
	Type       string `json:"type"`
	Subscribed *struct {
		FrameworkID              value       `json:"framework_id"`
		HeartbeatIntervalSeconds float64     `json:"heartbeat_interval_seconds"`
		MasterInfo               *masterInfo `json:"master_info"`
	} `json:"subscribed,omitempty"`
	Offers *struct {
		Offers []offer `json:"offers"`
	} `json:"offers,omitempty"`
	Rescind *struct {
		OfferID value `json:"offer_id"`
	} `json:"rescind,omitempty"`
	Update  *statusUpdate `json:"update,omitempty"`
	Message *struct {
		AgentID    value  `json:"agent_id"`
		ExecutorID value  `json:"executor_id"`
		Data       []byte `json:"data"`
	} `json:"message,omitempty"`
	Failure *struct {
		AgentID    *value `json:"agent_id,omitempty"`
		ExecutorID *value `json:"executor_id,omitempty"`
		Status     int    `json:"status,omitempty"`
	} `json:"failure,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Scheduler API calls.

type call struct {
	FrameworkID *value           `json:"framework_id,omitempty"`
	Type        string           `json:"type"`
	Subscribe   *subscribeCall   `json:"subscribe,omitempty"`
	Accept      *acceptCall      `json:"accept,omitempty"`
	Decline     *declineCall     `json:"decline,omitempty"`
	Acknowledge *acknowledgeCall `json:"acknowledge,omitempty"`
}

type subscribeCall struct {
	FrameworkInfo frameworkInfo `json:"framework_info"`
}

type acknowledgeCall struct {
	AgentID value  `json:"agent_id"`
	TaskID  value  `json:"task_id"`
	UUID    []byte `json:"uuid"`
}

type acceptCall struct {
	OfferIDs   []value     `json:"offer_ids"`
	Operations []operation `json:"operations"`
	Filters    *filters    `json:"filters,omitempty"`
}

type operation struct {
	Type   string           `json:"type"`
	Launch *launchOperation `json:"launch,omitempty"`
}

type launchOperation struct {
	TaskInfos []taskInfo `json:"task_infos"`
}

type declineCall struct {
	OfferIDs []value  `json:"offer_ids"`
	Filters  *filters `json:"filters,omitempty"`
}

// Executor API.

type executorEvent struct {
	Type       string `json:"type"`
	Subscribed *struct {
		AgentInfo *struct {
			Hostname string `json:"hostname"`
		} `json:"agent_info,omitempty"`
	} `json:"subscribed,omitempty"`
	Launch *struct {
		Task taskInfo `json:"task"`
	} `json:"launch,omitempty"`
	Kill *struct {
		TaskID value `json:"task_id"`
	} `json:"kill,omitempty"`
	Acknowledged *struct {
		TaskID value  `json:"task_id"`
		UUID   []byte `json:"uuid"`
	} `json:"acknowledged,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type executorCall struct {
	FrameworkID value              `json:"framework_id"`
	ExecutorID  value              `json:"executor_id"`
	Type        string             `json:"type"`
	Subscribe   *executorSubscribe `json:"subscribe,omitempty"`
	Update      *statusUpdate      `json:"update,omitempty"`
	Message     *executorMessage   `json:"message,omitempty"`
}

type executorSubscribe struct {
	UnacknowledgedTasks   []taskInfo     `json:"unacknowledged_tasks"`
	UnacknowledgedUpdates []statusUpdate `json:"unacknowledged_updates"`
}

type statusUpdate struct {
	Status taskStatus `json:"status"`
}

type executorMessage struct {
	Data []byte `json:"data"`
}
