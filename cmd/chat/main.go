package main

import (
	"log"

	"github.com/WhiteRabbitCoder/SDH-Chat/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
