// Package task implements the task queue and the Dispatcher.
//
// # Lifecycle
//
//	pending -> assigned -> in-progress -> completed
//	                                   -> failed -> pending (retry after backoff)
//	                                   -> failed-permanent
//
// A task is assigned when a connected agent covering its required skills is
// free; it becomes in-progress on the agent's first progress report. A
// failure waits RetryBase * 2^retries and returns to pending until the
// retry limit is reached. Attempts held past the task timeout are cancelled
// on the agent and take the same retry path.
//
// # Serialization
//
// The Dispatcher holds one mutex for every mutation of tasks and agents.
// Messages to agents are sent after the mutex is released; an undeliverable
// assignment returns its task to the head of its priority tier without
// counting as a retry and marks the agent disconnected.
package task
