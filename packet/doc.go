// Package packet classifies and parses raw UDP datagrams into domain values.
//
// Two wire forms arrive on the same port: JSON structured readings and binary
// raw sample blocks. Classification inspects the first byte (JSON datagrams
// start with '{'), then each form is parsed and validated independently.
// Anything that fails validation is rejected as malformed with a cause tag;
// malformed input never reaches the pipeline.
package packet
