// Package paths maps logical document names to absolute locations on disk.
//
// JSON documents are routed into a dedicated data directory under the working
// directory so that a single volume can be mounted for persistence:
//
//	r := paths.New("/srv/cyberintel", "data")
//	r.Resolve("state.json")      // /srv/cyberintel/data/state.json
//	r.Resolve("data/state.json") // /srv/cyberintel/data/state.json
//	r.Resolve("web/templates")   // /srv/cyberintel/web/templates
package paths
