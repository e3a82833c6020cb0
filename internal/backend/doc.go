// Package backend is the reference rendering backend: the server side of the
// wire protocol plus a renderer that shells out to pdflatex and a rasterizer.
//
// Per connection:
//  1. Read and check the preamble
//  2. Read the body up to and including the postamble (bounded)
//  3. Wait for a render slot (MaxConcurrent)
//  4. Render, write one frame, close
//
// Connections may sit idle between the preamble and the body for as long as
// the gateway keeps them warm. Only rendering counts against MaxConcurrent.
//
// Exec rendering:
//   - Each job gets its own workspace, removed afterwards
//   - pdflatex failure → ErrDocument with the transcript
//   - Rasterizer failure → ErrRaster with its stderr
//   - Timeout or anything unexpected → ErrInternal
//
// Timeout handling mirrors plugin execution elsewhere in this repo: SIGTERM
// first, SIGKILL after a grace period.
package backend
