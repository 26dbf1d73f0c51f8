package ai

import "context"

// StreamProvider is an optional interface. Providers may implement streaming
// chat; Generator.Stream uses it to report progress while text arrives.
type StreamProvider interface {
	StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error)
}
