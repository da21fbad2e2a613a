package tagmesh_test

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/aretw0/tagmesh"
)

// Example_basic tags an entity and reads it back.
func Example_basic() {
	tmpDir, err := os.MkdirTemp("", "tagmesh-example-*")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	ctx := context.Background()
	repo, err := tagmesh.Create(ctx, "patient-42", nil,
		tagmesh.WithDataDir(tmpDir),
		tagmesh.WithSecretRoot("example-secret"),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer repo.Close(ctx)

	_, err = repo.SaveTag(ctx, tagmesh.SaveTagRequest{EntityName: "lab-result-7", Tag: "urgent", Color: "#ff0000"})
	if err != nil {
		log.Fatal(err)
	}

	a := repo.Get("lab-result-7").Tags["urgent"]
	fmt.Printf("%s %s\n", a.Tag(), a.Color())
	// Output:
	// urgent #ff0000
}

// ExampleDeriveStorageID shows that store names depend on the secret.
func ExampleDeriveStorageID() {
	a := tagmesh.DeriveStorageID("patient-42", tagmesh.WithSecretRoot("one"))
	b := tagmesh.DeriveStorageID("patient-42", tagmesh.WithSecretRoot("two"))
	fmt.Println(a == b)
	// Output:
	// false
}

// ExampleCreate_twoReplicas converges two repositories of the same subject
// through a shared directory acting as server.
func ExampleCreate_twoReplicas() {
	server, err := os.MkdirTemp("", "tagmesh-server-*")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(server)

	ctx := context.Background()
	var dirs []string
	for range 2 {
		dir, err := os.MkdirTemp("", "tagmesh-replica-*")
		if err != nil {
			log.Fatal(err)
		}
		defer os.RemoveAll(dir)
		dirs = append(dirs, dir)
	}

	opts := func(dir string) []tagmesh.Option {
		return []tagmesh.Option{
			tagmesh.WithDataDir(dir),
			tagmesh.WithSecretRoot("example-secret"),
			tagmesh.WithServerURL("file://" + server),
		}
	}

	writer, err := tagmesh.Create(ctx, "patient-42", nil, opts(dirs[0])...)
	if err != nil {
		log.Fatal(err)
	}
	if _, err := writer.SaveTag(ctx, tagmesh.SaveTagRequest{EntityName: "scan", Tag: "reviewed", Color: "#00ff00"}); err != nil {
		log.Fatal(err)
	}
	if err := writer.Close(ctx); err != nil {
		log.Fatal(err)
	}
	if _, err := tagmesh.Sync(ctx, "patient-42", opts(dirs[0])...); err != nil {
		log.Fatal(err)
	}

	reader, err := tagmesh.Create(ctx, "patient-42", nil, opts(dirs[1])...)
	if err != nil {
		log.Fatal(err)
	}
	defer reader.Close(ctx)

	fmt.Println(reader.Get("scan").Tags["reviewed"].Color())
	// Output:
	// #00ff00
}
