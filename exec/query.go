package exec

import "context"

// Query runs prompt to completion and returns the result. If ctx ends first
// the process is terminated.
func Query(ctx context.Context, prompt string, opts ...Option) (*Result, error) {
	session := NewSession(prompt, opts...)
	if err := session.Start(ctx); err != nil {
		return nil, err
	}
	defer session.Stop()

	return session.Wait(ctx)
}

// QueryStream runs prompt and returns its event channel. The channel closes
// when the process exits or ctx ends.
func QueryStream(ctx context.Context, prompt string, opts ...Option) (<-chan Event, error) {
	session := NewSession(prompt, opts...)
	if err := session.Start(ctx); err != nil {
		return nil, err
	}

	out := make(chan Event, session.config.EventBufferSize)
	go func() {
		defer close(out)
		defer session.Stop()
		for evt := range session.Events() {
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
