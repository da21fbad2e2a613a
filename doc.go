// Package tagmesh is the composition root of the tag repository.
//
// A repository keeps named, colored tags attached to entities of one
// subject. Every subject has its own store, named after a salted hash of
// the subject id so that the name leaks nothing about the subject. Tag
// definitions live in a schema store shared by every subject, so a tag
// name has one color across the deployment.
//
// Both stores are replicas. Writes land locally first and a live sync
// pushes and pulls them when a server URL is configured. Conflicts resolve
// deterministically on every replica.
//
// Usage:
//
//	repo, err := tagmesh.Create(ctx, "patient-42", nil,
//		tagmesh.WithSecretRoot(os.Getenv("TAGMESH_SECRET_ROOT")),
//		tagmesh.WithServerURL("redis://localhost:6379/0"),
//	)
//
//	entity, err := repo.SaveTag(ctx, tagmesh.SaveTagRequest{
//		EntityName: "lab-result-7",
//		Tag:        "urgent",
//		Color:      "#ff0000",
//	})
package tagmesh
