// Package exec runs one-shot `codex exec --json` sessions.
//
// A Session spawns the CLI, parses its JSONL event stream, and folds it into
// a Result. Unlike the app-server client there is no reconnection: a dead
// exec process ends the session.
//
//	s := exec.NewSession("fix the failing test", exec.WithSandbox("workspace-write"))
//	if err := s.Start(ctx); err != nil {
//		return err
//	}
//	defer s.Stop()
//	for ev := range s.Events() {
//		...
//	}
//	res, err := s.Wait(ctx)
package exec
