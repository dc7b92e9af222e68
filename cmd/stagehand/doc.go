// Command stagehand executes workflow definitions from the command
// line.
//
//	stagehand run pipeline.yaml --agent build=./agents/build.sh
//	stagehand resume pipeline.yaml <run-id>
//	stagehand validate pipeline.yaml
//	stagehand version
//
// Agents and the gate scorer are external commands: each invocation
// receives a JSON request on stdin and prints a JSON result on stdout.
package main
