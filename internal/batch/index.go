// Package batch packs many elementary contract reads into as few round trips as possible.
//
// Two mechanisms are supported. multicall encodes the reads into one eth_call to an
// aggregator contract; native sends a JSON-RPC array of eth_call requests. When the
// mechanism fails as a whole, the affected reads are re-issued one by one through the
// call executor, so one bad read never poisons the rest.
//
// Example configuration:
//
//	{
//	  "batch": {
//	    "mode": "auto",
//	    "multicallAddress": "0xcA11bde05977b3631167028862bE2a173976CA11",
//	    "maxSize": 100,
//	    "fallbackConcurrency": 8
//	  }
//	}
package batch
