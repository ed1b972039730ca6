// cmd/pbmapper/main.go
// Entrypoint for the `pbmapper` multi-tool CLI binary.  The file is
// intentionally tiny: it delegates all logic to the root command defined in
// root.go.  Keeping main.go minimal allows unit tests to import cmd/pbmapper
// without executing side-effects.
package main

func main() {
	Execute()
}
