// Package mqtt is the broker connection behind the flow host.
//
// Flow nodes are addressed by topic. A producer drives a ValueNode by
// publishing to its input, and the node answers on its output:
//
//	producer → graylogic/flow/{node}/in → node → graylogic/flow/{node}/out
//
// Failures go to graylogic/flow/{node}/error. Node status and per-session
// connection state are retained. The client announces itself on
// graylogic/system/status and leaves a retained offline will with the broker.
//
// Subscriptions survive reconnects: the client connects with a clean session
// and replays every tracked route when paho reports the link is back.
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.FlowIn("kitchen-dimmer"), 1,
//	    func(topic string, payload []byte) error {
//	        return handle(payload)
//	    })
package mqtt
