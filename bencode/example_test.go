package bencode_test

import (
	"fmt"
	"log"

	"github.com/privtracker/privtracker/bencode"
)

func Example() {
	resp := bencode.NewDict().
		Set("interval", 900).
		Set("min interval", 300).
		Set("peers", "")

	// Encode
	data, err := bencode.Marshal(resp)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("encoded: %s\n", data)

	// Decode
	var decoded *bencode.Dict
	err = bencode.Unmarshal(data, &decoded)
	if err != nil {
		log.Fatal(err)
	}
	interval, _ := decoded.GetInt("interval")
	fmt.Printf("decoded: %v %d\n", decoded.Keys(), interval)
	// Output:
	// encoded: d8:intervali900e12:min intervali300e5:peers0:e
	// decoded: [interval min interval peers] 900
}
