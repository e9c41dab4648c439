// Package flow implements the node-graph conversation engine that drives a
// call after triage has decided a human is on the line.
//
// A [Flow] supplies the nodes of one workflow: each [NodeConfig] carries the
// prompts, tool schemas, and actions of one conversational state. The
// [Manager] runs the active node against the shared LLM context, executes
// tool calls through node handlers, and performs transitions when a handler
// returns a next node. Workflow-independent building blocks — identity
// verification, spoken-date parsing, slot matching — live alongside so flows
// stay declarative.
package flow

// TriageSettings is what a flow contributes to the triage detector: the
// classifier prompt, the menu-navigation goal handed to the IVR navigator,
// and the message left when a voicemail answers.
type TriageSettings struct {
	// ClassifierPrompt overrides the triage classifier's system prompt.
	// Empty selects the built-in default.
	ClassifierPrompt string

	// NavigationGoal tells the IVR navigator what to reach, rendered with
	// the call's identity fields.
	NavigationGoal string

	// VoicemailMessage is spoken after the voicemail beep.
	VoicemailMessage string
}

// Flow is a workflow-specific collection of node factories. The entry point
// depends on the call direction: GreetingNode opens outbound calls once a
// human answers, InitialNode receives inbound callers.
type Flow interface {
	// Name identifies the workflow, e.g. "patient_scheduling".
	Name() string

	// GreetingNode is the dial-out entry node.
	GreetingNode() *NodeConfig

	// InitialNode is the dial-in entry node.
	InitialNode() *NodeConfig

	// HandoffEntryNode chooses a starting node when another flow hands the
	// call over mid-conversation, based on the shared state (identity,
	// collected fields).
	HandoffEntryNode() *NodeConfig

	// TriageSettings returns the triage and IVR material for this workflow.
	TriageSettings() TriageSettings

	// GlobalInstructions is the persona system prompt shared by all nodes.
	GlobalInstructions() string
}

// Events carries the callbacks the session orchestrator registers on a
// [Manager]. Nil fields are simply not invoked.
type Events struct {
	// OnNodeEntered fires after a node's context and tools are installed.
	OnNodeEntered func(name string)

	// OnTransferInitiated fires when a handler has requested a SIP transfer.
	// The orchestrator marks the session as transferring and suppresses dial
	// retries.
	OnTransferInitiated func(destination, reason string)

	// OnPatientIdentified fires when identity verification succeeds, so the
	// session can be linked to the patient record.
	OnPatientIdentified func(patientID string)

	// OnConversationEnd fires when an end_conversation action has queued the
	// terminating frame.
	OnConversationEnd func()
}
