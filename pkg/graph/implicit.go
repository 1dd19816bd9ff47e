package graph

// ImplicitNodes returns fresh declarations of the four implicit nodes
// every graph carries: the two phase-bound sources (`request`,
// `service_response`) and the two phase-bound sinks (`service_request`,
// `response`). Sources expose body/headers outputs; sinks accept
// body/headers inputs.
func ImplicitNodes() []*Node {
	return []*Node{
		{ID: NodeRequest, Kind: KindImplicitRequest, OutputPorts: []string{"body", "headers"}},
		{ID: NodeServiceRequest, Kind: KindImplicitServiceRequest, InputPorts: []string{"body", "headers"}},
		{ID: NodeServiceResponse, Kind: KindImplicitServiceResponse, OutputPorts: []string{"body", "headers"}},
		{ID: NodeResponse, Kind: KindImplicitResponse, InputPorts: []string{"body", "headers"}},
	}
}
