package a2a

// AgentCard advertises the agent behind this server: identity, transport
// endpoints, capabilities, and skills. Served unauthenticated at
// /.well-known/agent-card.json.
type AgentCard struct {
	Name                 string            `json:"name"`
	Description          string            `json:"description,omitempty"`
	URL                  string            `json:"url"`
	Version              string            `json:"version"`
	ProtocolVersion      string            `json:"protocolVersion"`
	PreferredTransport   string            `json:"preferredTransport,omitempty"`
	AdditionalInterfaces []AgentInterface  `json:"additionalInterfaces,omitempty"`
	Provider             *AgentProvider    `json:"provider,omitempty"`
	Capabilities         AgentCapabilities `json:"capabilities"`
	Skills               []AgentSkill      `json:"skills,omitempty"`
}

// AgentProvider names the organization behind the agent.
type AgentProvider struct {
	Organization string `json:"organization"`
	URL          string `json:"url,omitempty"`
}

// AgentInterface is an additional transport endpoint.
type AgentInterface struct {
	Transport string `json:"transport"`
	URL       string `json:"url"`
}

// AgentCapabilities lists the optional protocol features the server
// supports.
type AgentCapabilities struct {
	Streaming         bool             `json:"streaming"`
	PushNotifications bool             `json:"pushNotifications"`
	Extensions        []AgentExtension `json:"extensions,omitempty"`
}

// AgentExtension declares a protocol extension the agent understands.
type AgentExtension struct {
	URI         string `json:"uri"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// AgentSkill describes one capability of the agent.
type AgentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}
