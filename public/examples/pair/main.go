// Demonstrates two in-process peers exchanging capabilities: the server
// exposes a greeter API, the client calls it and passes a callback that
// the server invokes back across the pipe.
//
// Run with: go run ./public/examples/pair
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/tenzoki/capnode/public/capnode"
)

func main() {
	server := capnode.New()
	_, err := server.Expose(capnode.Object(map[string]*capnode.Value{
		"motd": capnode.String("hello from the server"),
		"greet": capnode.Function(func(ctx context.Context, args []*capnode.Value) (*capnode.Value, error) {
			name, _ := args[0].Text()
			return capnode.String("hello, " + name), nil
		}),
		"eachNumber": capnode.Function(func(ctx context.Context, args []*capnode.Value) (*capnode.Value, error) {
			// The callback argument is a live proxy pointing back at the
			// client.
			cb := args[0]
			for i := 1; i <= 3; i++ {
				if _, err := cb.Call(ctx, capnode.Number(float64(i))); err != nil {
					return nil, err
				}
			}
			return capnode.String("done"), nil
		}),
	}))
	if err != nil {
		log.Fatal(err)
	}

	client := capnode.New()
	if _, err := client.Expose(capnode.Object(nil)); err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, ready := client.AttachStreamAwaitingInit()
	capnode.Pipe(ctx, server, client)
	<-ready

	remote, _ := client.Remote()
	motd, _ := remote.Field("motd").Text()
	fmt.Println("motd:", motd)

	greeting, err := remote.Field("greet").Call(ctx, capnode.String("capnode"))
	if err != nil {
		log.Fatal(err)
	}
	text, _ := greeting.Text()
	fmt.Println("greet:", text)

	collect := capnode.Function(func(ctx context.Context, args []*capnode.Value) (*capnode.Value, error) {
		n, _ := args[0].Num()
		fmt.Println("callback got:", n)
		return capnode.Number(n), nil
	})
	if _, err := remote.Field("eachNumber").Call(ctx, collect); err != nil {
		log.Fatal(err)
	}
}
